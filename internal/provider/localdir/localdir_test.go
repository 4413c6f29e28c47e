package localdir

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/photopd/photopd/internal/provider"
)

func writeFile(t *testing.T, path, content string, mod time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func testTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	mod := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	writeFile(t, filepath.Join(root, "IMG_1.jpg"), "one", mod)
	writeFile(t, filepath.Join(root, "Vacation", "IMG_2.jpg"), "two", mod.Add(time.Hour))
	writeFile(t, filepath.Join(root, "Vacation", "MOV_1.mov"), "clip", mod.Add(2*time.Hour))
	writeFile(t, filepath.Join(root, ".hidden", "skip.jpg"), "hidden", mod)
	return root
}

func dial(t *testing.T, root string) provider.Client {
	t.Helper()
	c, err := Driver{}.Dial(context.Background(), provider.Account{ID: root, Secret: "anything"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return c
}

func TestDialRejectsMissingRoot(t *testing.T) {
	_, err := Driver{}.Dial(context.Background(), provider.Account{ID: "/no/such/dir"})
	if !errors.Is(err, provider.ErrBadCredentials) {
		t.Fatalf("err = %v, want ErrBadCredentials", err)
	}
}

func TestLibraryAndAlbums(t *testing.T) {
	c := dial(t, testTree(t))
	if c.SecondFactorRequired() {
		t.Error("local trees never need a second factor")
	}

	libs, err := c.Libraries(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(libs) != 1 || libs[0].Name() != "PrimarySync" {
		t.Fatalf("libraries = %v", libs)
	}

	names := libs[0].AlbumNames()
	if len(names) != 2 || names[0] != "All Photos" || names[1] != "Vacation" {
		t.Errorf("album names = %v", names)
	}

	all, ok := libs[0].Album("All Photos")
	if !ok {
		t.Fatal("All Photos should always resolve")
	}
	if all.Count() != 3 {
		t.Errorf("All Photos count = %d, want 3 (hidden entries excluded)", all.Count())
	}

	vac, ok := libs[0].Album("Vacation")
	if !ok {
		t.Fatal("Vacation should resolve")
	}
	if vac.Count() != 2 {
		t.Errorf("Vacation count = %d, want 2", vac.Count())
	}

	if _, ok := libs[0].Album("Ghost"); ok {
		t.Error("unknown album should not resolve")
	}
}

func TestDownloadCopiesIntoLayout(t *testing.T) {
	c := dial(t, testTree(t))
	dest := t.TempDir()
	dl, err := c.NewDownloader(provider.DownloadConfig{
		Directory: dest,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}

	libs, _ := c.Libraries(context.Background())
	album, _ := libs[0].Album("All Photos")
	it := album.Items()
	item, ok := it.Next()
	if !ok {
		t.Fatal("expected at least one item")
	}

	downloaded, err := dl.Download(context.Background(), item)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !downloaded {
		t.Error("first transfer should report downloaded")
	}
	path := filepath.Join(dest, item.Created().Format("2006/01/02"), item.Filename())
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("produced file missing: %v", err)
	}
	if len(data) == 0 {
		t.Error("produced file is empty")
	}

	downloaded, err = dl.Download(context.Background(), item)
	if err != nil {
		t.Fatal(err)
	}
	if downloaded {
		t.Error("second transfer of the same item should report already present")
	}
}

func TestDownloadSkipsVideos(t *testing.T) {
	c := dial(t, testTree(t))
	dl, err := c.NewDownloader(provider.DownloadConfig{Directory: t.TempDir(), SkipVideos: true})
	if err != nil {
		t.Fatal(err)
	}
	libs, _ := c.Libraries(context.Background())
	album, _ := libs[0].Album("Vacation")
	it := album.Items()
	for {
		item, ok := it.Next()
		if !ok {
			break
		}
		downloaded, err := dl.Download(context.Background(), item)
		if err != nil {
			t.Fatal(err)
		}
		if item.IsVideo() && downloaded {
			t.Errorf("video %s should have been skipped", item.Filename())
		}
	}
}

func TestDeleteItemRemovesSource(t *testing.T) {
	root := testTree(t)
	c := dial(t, root)
	libs, _ := c.Libraries(context.Background())
	album, _ := libs[0].Album("Vacation")
	item, ok := album.Items().Next()
	if !ok {
		t.Fatal("expected an item")
	}

	if err := c.DeleteItem(context.Background(), libs[0], item); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	refreshed, _ := libs[0].Album("Vacation")
	if refreshed.Count() != 1 {
		t.Errorf("count after delete = %d, want 1", refreshed.Count())
	}
}
