package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/photopd/photopd/internal/filter"
	"github.com/photopd/photopd/internal/provider"
	"github.com/photopd/photopd/internal/schedule"
)

// Library selectors understood by the run's library resolution.
const (
	LibraryPersonal = "Personal Library"
	LibraryShared   = "Shared Library"
)

// Config is the full configuration of one policy. It is what gets
// persisted to the policy file, so every field carries a toml tag; json
// tags serve the transport snapshots.
type Config struct {
	Account         string   `toml:"account" json:"account"`
	Domain          string   `toml:"domain,omitempty" json:"domain,omitempty"`
	Library         string   `toml:"library" json:"library"`
	Album           string   `toml:"album" json:"album"`
	Directory       string   `toml:"directory" json:"directory"`
	FolderStructure string   `toml:"folder_structure" json:"folder_structure"`
	Sizes           []string `toml:"sizes" json:"sizes"`
	SkipVideos      bool     `toml:"skip_videos" json:"skip_videos"`

	FileSuffixes  []string `toml:"file_suffixes,omitempty" json:"file_suffixes,omitempty"`
	MatchPattern  string   `toml:"match_pattern,omitempty" json:"match_pattern,omitempty"`
	CreatedAfter  string   `toml:"created_after,omitempty" json:"created_after,omitempty"`
	CreatedBefore string   `toml:"created_before,omitempty" json:"created_before,omitempty"`
	AddedAfter    string   `toml:"added_after,omitempty" json:"added_after,omitempty"`
	AddedBefore   string   `toml:"added_before,omitempty" json:"added_before,omitempty"`

	Recent     *int `toml:"recent,omitempty" json:"recent,omitempty"`
	UntilFound *int `toml:"until_found,omitempty" json:"until_found,omitempty"`

	DeleteAfterDownload bool `toml:"delete_after_download" json:"delete_after_download"`
	AutoDelete          bool `toml:"auto_delete" json:"auto_delete"`
	RetentionDays       int  `toml:"retention_days,omitempty" json:"retention_days,omitempty"`
	RemoveLocalCopy     bool `toml:"remove_local_copy" json:"remove_local_copy"`

	Interval           string `toml:"interval,omitempty" json:"interval,omitempty"`
	UploadToS3         bool   `toml:"upload_to_s3" json:"upload_to_s3"`
	DownloadViaBrowser bool   `toml:"download_via_browser" json:"download_via_browser"`
	DryRun             bool   `toml:"dry_run" json:"dry_run"`
	LogLevel           string `toml:"log_level,omitempty" json:"log_level,omitempty"`

	FileMatchPolicy    string `toml:"file_match_policy,omitempty" json:"file_match_policy,omitempty"`
	KeepUnicodeNames   bool   `toml:"keep_unicode_in_filenames" json:"keep_unicode_in_filenames"`
	LiveFilenamePolicy string `toml:"live_photo_filename_policy,omitempty" json:"live_photo_filename_policy,omitempty"`
	RawPolicy          string `toml:"align_raw,omitempty" json:"align_raw,omitempty"`
}

// withDefaults fills in the defaults for unset fields.
func (c Config) withDefaults() Config {
	if c.Library == "" {
		c.Library = LibraryPersonal
	}
	if c.FolderStructure == "" {
		c.FolderStructure = "{:%Y/%m/%d}"
	}
	if len(c.Sizes) == 0 {
		c.Sizes = []string{"original"}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.FileMatchPolicy == "" {
		c.FileMatchPolicy = "name-size-dedup-with-suffix"
	}
	if c.AutoDelete && c.RetentionDays == 0 {
		c.RetentionDays = 30
	}
	return c
}

// Validate checks the configuration for internal consistency. It is
// called on every create and update, so a policy can never hold an
// unrunnable configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Account) == "" {
		return errors.New("account is required")
	}
	if strings.TrimSpace(c.Album) == "" {
		return errors.New("album is required")
	}
	if strings.TrimSpace(c.Directory) == "" {
		return errors.New("directory is required")
	}
	if c.Library != LibraryPersonal && c.Library != LibraryShared {
		return fmt.Errorf("library must be %q or %q", LibraryPersonal, LibraryShared)
	}
	if c.Recent != nil && *c.Recent < 0 {
		return errors.New("recent must be non-negative")
	}
	if c.UntilFound != nil && *c.UntilFound < 1 {
		return errors.New("until_found must be at least 1")
	}
	if c.RetentionDays < 0 {
		return errors.New("retention_days must be non-negative")
	}
	if c.Interval != "" {
		if err := schedule.Validate(c.Interval); err != nil {
			return err
		}
	}
	if _, err := filter.New(c.filterConfig()); err != nil {
		return err
	}
	if err := c.providerOptions().Validate(); err != nil {
		return err
	}
	return nil
}

func (c Config) filterConfig() filter.Config {
	return filter.Config{
		CreatedAfter:  c.CreatedAfter,
		CreatedBefore: c.CreatedBefore,
		AddedAfter:    c.AddedAfter,
		AddedBefore:   c.AddedBefore,
		Suffixes:      c.FileSuffixes,
		MatchPattern:  c.MatchPattern,
	}
}

func (c Config) providerOptions() provider.Options {
	return provider.Options{
		FileMatchPolicy:    c.FileMatchPolicy,
		KeepUnicodeNames:   c.KeepUnicodeNames,
		LiveFilenamePolicy: c.LiveFilenamePolicy,
		RawPolicy:          c.RawPolicy,
	}
}

// optionsPatch expresses the naming/format attributes as a handle patch,
// applied before each run since configuration may have changed since
// authentication.
func (c Config) optionsPatch() provider.OptionsPatch {
	return provider.OptionsPatch{
		FileMatchPolicy:    &c.FileMatchPolicy,
		KeepUnicodeNames:   &c.KeepUnicodeNames,
		LiveFilenamePolicy: &c.LiveFilenamePolicy,
		RawPolicy:          &c.RawPolicy,
	}
}

// RemoveLocalAfterDelivery reports whether local files are to be
// deleted once delivered. Removal only takes effect when the run output
// goes somewhere else: the browser stream or object storage.
func (c Config) RemoveLocalAfterDelivery() bool {
	return c.RemoveLocalCopy && (c.DownloadViaBrowser || c.UploadToS3)
}

// Update is a partial configuration change. Nil fields keep their
// current value; unknown fields fail JSON decoding at the transport
// boundary before they ever reach Apply.
type Update struct {
	Account         *string   `json:"account,omitempty"`
	Domain          *string   `json:"domain,omitempty"`
	Library         *string   `json:"library,omitempty"`
	Album           *string   `json:"album,omitempty"`
	Directory       *string   `json:"directory,omitempty"`
	FolderStructure *string   `json:"folder_structure,omitempty"`
	Sizes           *[]string `json:"sizes,omitempty"`
	SkipVideos      *bool     `json:"skip_videos,omitempty"`

	FileSuffixes  *[]string `json:"file_suffixes,omitempty"`
	MatchPattern  *string   `json:"match_pattern,omitempty"`
	CreatedAfter  *string   `json:"created_after,omitempty"`
	CreatedBefore *string   `json:"created_before,omitempty"`
	AddedAfter    *string   `json:"added_after,omitempty"`
	AddedBefore   *string   `json:"added_before,omitempty"`

	Recent     *int `json:"recent,omitempty"`
	UntilFound *int `json:"until_found,omitempty"`

	DeleteAfterDownload *bool `json:"delete_after_download,omitempty"`
	AutoDelete          *bool `json:"auto_delete,omitempty"`
	RetentionDays       *int  `json:"retention_days,omitempty"`
	RemoveLocalCopy     *bool `json:"remove_local_copy,omitempty"`

	Interval           *string `json:"interval,omitempty"`
	UploadToS3         *bool   `json:"upload_to_s3,omitempty"`
	DownloadViaBrowser *bool   `json:"download_via_browser,omitempty"`
	DryRun             *bool   `json:"dry_run,omitempty"`
	LogLevel           *string `json:"log_level,omitempty"`

	FileMatchPolicy    *string `json:"file_match_policy,omitempty"`
	KeepUnicodeNames   *bool   `json:"keep_unicode_in_filenames,omitempty"`
	LiveFilenamePolicy *string `json:"live_photo_filename_policy,omitempty"`
	RawPolicy          *string `json:"align_raw,omitempty"`
}

// Apply merges the update into a copy of c and validates the result.
func (c Config) Apply(u Update) (Config, error) {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}

	setString(&c.Account, u.Account)
	setString(&c.Domain, u.Domain)
	setString(&c.Library, u.Library)
	setString(&c.Album, u.Album)
	setString(&c.Directory, u.Directory)
	setString(&c.FolderStructure, u.FolderStructure)
	if u.Sizes != nil {
		c.Sizes = *u.Sizes
	}
	setBool(&c.SkipVideos, u.SkipVideos)

	if u.FileSuffixes != nil {
		c.FileSuffixes = *u.FileSuffixes
	}
	setString(&c.MatchPattern, u.MatchPattern)
	setString(&c.CreatedAfter, u.CreatedAfter)
	setString(&c.CreatedBefore, u.CreatedBefore)
	setString(&c.AddedAfter, u.AddedAfter)
	setString(&c.AddedBefore, u.AddedBefore)

	if u.Recent != nil {
		c.Recent = u.Recent
	}
	if u.UntilFound != nil {
		c.UntilFound = u.UntilFound
	}

	setBool(&c.DeleteAfterDownload, u.DeleteAfterDownload)
	setBool(&c.AutoDelete, u.AutoDelete)
	if u.RetentionDays != nil {
		c.RetentionDays = *u.RetentionDays
	}
	setBool(&c.RemoveLocalCopy, u.RemoveLocalCopy)

	setString(&c.Interval, u.Interval)
	setBool(&c.UploadToS3, u.UploadToS3)
	setBool(&c.DownloadViaBrowser, u.DownloadViaBrowser)
	setBool(&c.DryRun, u.DryRun)
	setString(&c.LogLevel, u.LogLevel)

	setString(&c.FileMatchPolicy, u.FileMatchPolicy)
	setBool(&c.KeepUnicodeNames, u.KeepUnicodeNames)
	setString(&c.LiveFilenamePolicy, u.LiveFilenamePolicy)
	setString(&c.RawPolicy, u.RawPolicy)

	c = c.withDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
