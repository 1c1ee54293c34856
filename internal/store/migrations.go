package store

const schema = `
CREATE TABLE IF NOT EXISTS items (
    source       TEXT NOT NULL,
    external_id  TEXT NOT NULL,
    source_name  TEXT NOT NULL DEFAULT '',
    title        TEXT NOT NULL DEFAULT '',
    body         TEXT NOT NULL DEFAULT '',
    author       TEXT NOT NULL DEFAULT '',
    url          TEXT NOT NULL DEFAULT '',
    published_at DATETIME NOT NULL,
    fetched_at   DATETIME NOT NULL,
    content_hash TEXT NOT NULL,
    extra        TEXT NOT NULL DEFAULT '{}',
    updated_at   DATETIME NOT NULL,
    PRIMARY KEY (source, external_id)
);

CREATE INDEX IF NOT EXISTS idx_items_source_name ON items(source_name);
CREATE INDEX IF NOT EXISTS idx_items_fetched_at ON items(fetched_at);
CREATE INDEX IF NOT EXISTS idx_items_published_at ON items(published_at);
CREATE INDEX IF NOT EXISTS idx_items_content_hash ON items(content_hash);
`
