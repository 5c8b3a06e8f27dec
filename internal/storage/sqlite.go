// Package storage keeps content.db, the SQLite index of hosted sites, their
// installed manifests and the peers known to serve them.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zeronode/zeronode/internal/content"
)

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// The driver applies _pragma parameters on every new connection.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB, now: time.Now}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS site (
    site_id INTEGER PRIMARY KEY AUTOINCREMENT,
    address TEXT NOT NULL UNIQUE,
    added INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS content (
    content_id INTEGER PRIMARY KEY AUTOINCREMENT,
    site_id INTEGER NOT NULL,
    inner_path TEXT NOT NULL,
    size INTEGER NOT NULL,
    size_files INTEGER NOT NULL,
    size_files_optional INTEGER NOT NULL,
    modified REAL NOT NULL,
    UNIQUE(site_id, inner_path),
    FOREIGN KEY (site_id) REFERENCES site(site_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS peer (
    site_id INTEGER NOT NULL,
    peer_id TEXT NOT NULL,
    address TEXT NOT NULL,
    reputation INTEGER DEFAULT 0,
    time_added INTEGER NOT NULL,
    time_found INTEGER NOT NULL,
    PRIMARY KEY (site_id, peer_id),
    FOREIGN KEY (site_id) REFERENCES site(site_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_content_modified ON content(modified);
CREATE INDEX IF NOT EXISTS idx_peer_time_found ON peer(time_found);`
	_, err := d.db.Exec(schema)
	return err
}

// --- Site ---

// SaveSite records a hosted site. Saving a known site is a no-op.
func (d *DB) SaveSite(address string) error {
	_, err := d.db.Exec(
		`INSERT INTO site (address, added) VALUES (?, ?) ON CONFLICT(address) DO NOTHING`,
		address, d.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save site: %w", err)
	}
	return nil
}

func (d *DB) siteID(address string) (int64, error) {
	var id int64
	err := d.db.QueryRow(`SELECT site_id FROM site WHERE address = ?`, address).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("site %s: %w", address, err)
	}
	return id, nil
}

// ListSites returns every recorded site, oldest first.
func (d *DB) ListSites() ([]Site, error) {
	rows, err := d.db.Query(`SELECT site_id, address, added FROM site ORDER BY site_id`)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var sites []Site
	for rows.Next() {
		var s Site
		if err := rows.Scan(&s.ID, &s.Address, &s.Added); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		sites = append(sites, s)
	}
	return sites, rows.Err()
}

// DeleteSite removes a site with its content and peer rows.
func (d *DB) DeleteSite(address string) error {
	res, err := d.db.Exec(`DELETE FROM site WHERE address = ?`, address)
	if err != nil {
		return fmt.Errorf("delete site: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete site rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete site: %w", sql.ErrNoRows)
	}
	return nil
}

// --- Content ---

// SaveContent upserts the index row of an installed manifest.
func (d *DB) SaveContent(address, innerPath string, c *content.Content) error {
	siteID, err := d.siteID(address)
	if err != nil {
		return fmt.Errorf("save content: %w", err)
	}
	var sizeFiles int64
	for _, f := range c.Files {
		if f.Size > 0 {
			sizeFiles += f.Size
		}
	}
	_, err = d.db.Exec(
		`INSERT INTO content (site_id, inner_path, size, size_files, size_files_optional, modified)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(site_id, inner_path) DO UPDATE SET
		   size = excluded.size,
		   size_files = excluded.size_files,
		   size_files_optional = excluded.size_files_optional,
		   modified = excluded.modified`,
		siteID, innerPath, c.Size()-sizeFiles, sizeFiles, c.OptionalSize(), c.ModifiedTime(),
	)
	if err != nil {
		return fmt.Errorf("save content: %w", err)
	}
	return nil
}

// GetContent returns the index row of one manifest.
func (d *DB) GetContent(address, innerPath string) (*ContentRow, error) {
	r := &ContentRow{}
	err := d.db.QueryRow(
		`SELECT c.content_id, s.address, c.inner_path, c.size, c.size_files, c.size_files_optional, c.modified
		 FROM content c JOIN site s ON s.site_id = c.site_id
		 WHERE s.address = ? AND c.inner_path = ?`, address, innerPath,
	).Scan(&r.ID, &r.Site, &r.InnerPath, &r.Size, &r.SizeFiles, &r.SizeFilesOptional, &r.Modified)
	if err != nil {
		return nil, fmt.Errorf("get content: %w", err)
	}
	return r, nil
}

// ListContents returns the manifests of a site ordered by inner path.
func (d *DB) ListContents(address string) ([]ContentRow, error) {
	rows, err := d.db.Query(
		`SELECT c.content_id, s.address, c.inner_path, c.size, c.size_files, c.size_files_optional, c.modified
		 FROM content c JOIN site s ON s.site_id = c.site_id
		 WHERE s.address = ? ORDER BY c.inner_path`, address,
	)
	if err != nil {
		return nil, fmt.Errorf("list contents: %w", err)
	}
	defer rows.Close()

	var out []ContentRow
	for rows.Next() {
		var r ContentRow
		if err := rows.Scan(&r.ID, &r.Site, &r.InnerPath, &r.Size, &r.SizeFiles, &r.SizeFilesOptional, &r.Modified); err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Peer ---

// SavePeer records that peerID at addr serves a site. A known peer gets its
// address and time_found refreshed.
func (d *DB) SavePeer(address, peerID, addr string) error {
	siteID, err := d.siteID(address)
	if err != nil {
		return fmt.Errorf("save peer: %w", err)
	}
	now := d.now().Unix()
	_, err = d.db.Exec(
		`INSERT INTO peer (site_id, peer_id, address, time_added, time_found)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(site_id, peer_id) DO UPDATE SET
		   address = excluded.address,
		   time_found = excluded.time_found`,
		siteID, peerID, addr, now, now,
	)
	if err != nil {
		return fmt.Errorf("save peer: %w", err)
	}
	return nil
}

// ListPeers returns the peers of a site, most recently found first.
func (d *DB) ListPeers(address string) ([]PeerRow, error) {
	rows, err := d.db.Query(
		`SELECT p.peer_id, p.address, p.reputation, p.time_added, p.time_found
		 FROM peer p JOIN site s ON s.site_id = p.site_id
		 WHERE s.address = ? ORDER BY p.time_found DESC, p.peer_id`, address,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	var out []PeerRow
	for rows.Next() {
		var r PeerRow
		if err := rows.Scan(&r.PeerID, &r.Address, &r.Reputation, &r.TimeAdded, &r.TimeFound); err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PrunePeers deletes peers not found since before.
func (d *DB) PrunePeers(before time.Time) (int64, error) {
	res, err := d.db.Exec(`DELETE FROM peer WHERE time_found < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune peers: %w", err)
	}
	return res.RowsAffected()
}
