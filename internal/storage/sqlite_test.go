package storage

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zeronode/zeronode/internal/content"
)

const testSite = "1TaLkFrMwvbNsooF4ioKAY9EuxTBTjipT"

func testDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := NewDB(filepath.Join(dir, "content.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content.db")

	db, err := NewDB(path)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}
}

func TestNewDB_Pragmas(t *testing.T) {
	db := testDB(t)

	var mode string
	if err := db.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}

	var timeout, fk int
	if err := db.db.QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("busy_timeout: %v", err)
	}
	if timeout != 5000 {
		t.Fatalf("busy_timeout = %d, want 5000", timeout)
	}
	if err := db.db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}
}

func TestNewDB_AllTablesExist(t *testing.T) {
	db := testDB(t)

	for _, table := range []string{"site", "content", "peer"} {
		var name string
		err := db.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestNewDB_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content.db")
	db, err := NewDB(path)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	if err := db.SaveSite(testSite); err != nil {
		t.Fatalf("SaveSite: %v", err)
	}
	db.Close()

	db, err = NewDB(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	sites, err := db.ListSites()
	if err != nil {
		t.Fatalf("ListSites: %v", err)
	}
	if len(sites) != 1 || sites[0].Address != testSite {
		t.Fatalf("sites after reopen = %+v", sites)
	}
}

func TestDB_SaveSiteIdempotent(t *testing.T) {
	db := testDB(t)
	for i := 0; i < 3; i++ {
		if err := db.SaveSite(testSite); err != nil {
			t.Fatalf("SaveSite #%d: %v", i, err)
		}
	}
	sites, err := db.ListSites()
	if err != nil {
		t.Fatalf("ListSites: %v", err)
	}
	if len(sites) != 1 {
		t.Fatalf("len(sites) = %d, want 1", len(sites))
	}
}

func TestDB_SaveContent(t *testing.T) {
	db := testDB(t)
	if err := db.SaveSite(testSite); err != nil {
		t.Fatalf("SaveSite: %v", err)
	}

	c := content.New(testSite, "content.json")
	c.Files["index.html"] = content.File{Sha512: "aa", Size: 466}
	c.Files["js/all.js"] = content.File{Sha512: "bb", Size: 1000}
	c.FilesOptional = map[string]content.File{"video.mp4": {Sha512: "cc", Size: 5000}}
	c.SetModified(time.Unix(1500000000, 0))

	if err := db.SaveContent(testSite, "content.json", c); err != nil {
		t.Fatalf("SaveContent: %v", err)
	}

	row, err := db.GetContent(testSite, "content.json")
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if row.SizeFiles != 1466 {
		t.Errorf("SizeFiles = %d, want 1466", row.SizeFiles)
	}
	if row.SizeFilesOptional != 5000 {
		t.Errorf("SizeFilesOptional = %d, want 5000", row.SizeFilesOptional)
	}
	if row.Size <= 0 {
		t.Errorf("Size = %d, want the encoded manifest size", row.Size)
	}
	if row.Modified != 1500000000 {
		t.Errorf("Modified = %v, want 1500000000", row.Modified)
	}

	// A newer manifest replaces the row.
	c.SetModified(time.Unix(1500000100, 0))
	if err := db.SaveContent(testSite, "content.json", c); err != nil {
		t.Fatalf("SaveContent update: %v", err)
	}
	rows, err := db.ListContents(testSite)
	if err != nil {
		t.Fatalf("ListContents: %v", err)
	}
	if len(rows) != 1 || rows[0].Modified != 1500000100 {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestDB_SaveContentUnknownSite(t *testing.T) {
	db := testDB(t)
	err := db.SaveContent(testSite, "content.json", content.New(testSite, "content.json"))
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestDB_Peers(t *testing.T) {
	db := testDB(t)
	clock := time.Unix(1700000000, 0)
	db.now = func() time.Time { return clock }

	if err := db.SaveSite(testSite); err != nil {
		t.Fatalf("SaveSite: %v", err)
	}
	if err := db.SavePeer(testSite, "p1", "10.0.0.1:15441"); err != nil {
		t.Fatalf("SavePeer p1: %v", err)
	}
	clock = clock.Add(time.Hour)
	if err := db.SavePeer(testSite, "p2", "10.0.0.2:15441"); err != nil {
		t.Fatalf("SavePeer p2: %v", err)
	}
	// p1 moved.
	clock = clock.Add(time.Hour)
	if err := db.SavePeer(testSite, "p1", "10.0.0.9:15441"); err != nil {
		t.Fatalf("SavePeer p1 again: %v", err)
	}

	peers, err := db.ListPeers(testSite)
	if err != nil {
		t.Fatalf("ListPeers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("len(peers) = %d, want 2", len(peers))
	}
	if peers[0].PeerID != "p1" || peers[0].Address != "10.0.0.9:15441" {
		t.Errorf("peers[0] = %+v", peers[0])
	}
	if peers[0].TimeAdded != 1700000000 {
		t.Errorf("TimeAdded = %d, want first sighting kept", peers[0].TimeAdded)
	}

	n, err := db.PrunePeers(clock.Add(-30 * time.Minute))
	if err != nil {
		t.Fatalf("PrunePeers: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
}

func TestDB_DeleteSiteCascades(t *testing.T) {
	db := testDB(t)
	if err := db.SaveSite(testSite); err != nil {
		t.Fatalf("SaveSite: %v", err)
	}
	if err := db.SavePeer(testSite, "p1", "10.0.0.1:15441"); err != nil {
		t.Fatalf("SavePeer: %v", err)
	}
	if err := db.DeleteSite(testSite); err != nil {
		t.Fatalf("DeleteSite: %v", err)
	}
	var n int
	if err := db.db.QueryRow("SELECT COUNT(*) FROM peer").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("peer rows = %d, want 0", n)
	}
	if err := db.DeleteSite(testSite); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("second delete: %v, want sql.ErrNoRows", err)
	}
}

func TestDB_Close(t *testing.T) {
	dir := t.TempDir()
	db, err := NewDB(filepath.Join(dir, "content.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
