// Package cache is the durable payload cache: a named, origin-scoped store of
// full response snapshots, independent of any transport-layer caching the
// remote host may direct. Entries survive process respawn and host restart and
// are removed only by an explicit clear, never by a time-based policy.
package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Snapshot is one stored response: status, full header set and body bytes.
type Snapshot struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

type Store struct {
	db *leveldb.DB
}

// Open opens (creating if absent) the snapshot store under dir.
func Open(dir string) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Bucket returns the named bucket. Opening is idempotent; a bucket exists as
// soon as it is named.
func (s *Store) Bucket(name string) *Bucket {
	return &Bucket{db: s.db, name: name}
}

// Bucket is a named durable mapping from resource path to Snapshot.
type Bucket struct {
	db   *leveldb.DB
	name string
}

func (b *Bucket) entryKey(key string) []byte {
	return []byte("e:" + b.name + ":" + key)
}

// Install fetches the resource live from baseURL+key and stores the full
// response under key. The fetch deliberately goes straight to the origin; the
// stored entry is an explicit write, not a transport side effect. A non-2xx
// status or transport failure is an installation error and propagates to the
// caller, which owns the retry policy.
func (b *Bucket) Install(ctx context.Context, client *http.Client, baseURL, key string) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+key, nil)
	if err != nil {
		return Snapshot{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("install %s: %w", key, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("install %s: read body: %w", key, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Snapshot{}, fmt.Errorf("install %s: origin returned HTTP %d", key, resp.StatusCode)
	}

	snap := Snapshot{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
	}
	snap.Header.Del("Content-Length")

	enc, err := encodeGob(snap)
	if err != nil {
		return Snapshot{}, fmt.Errorf("install %s: encode: %w", key, err)
	}
	if err := b.db.Put(b.entryKey(key), enc, nil); err != nil {
		return Snapshot{}, fmt.Errorf("install %s: store: %w", key, err)
	}
	return snap, nil
}

// Read returns the snapshot stored under key. A miss reports ok=false and is
// never an error. Reading does not consume or mutate the entry; concurrent
// reads are safe and repeatable.
func (b *Bucket) Read(key string) (Snapshot, bool) {
	raw, err := b.db.Get(b.entryKey(key), nil)
	if err != nil {
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := decodeGob(raw, &snap); err != nil {
		return Snapshot{}, false
	}
	return snap, true
}

// Delete removes a single entry.
func (b *Bucket) Delete(key string) error {
	return b.db.Delete(b.entryKey(key), nil)
}

// Clear removes every entry in the bucket.
func (b *Bucket) Clear() error {
	it := b.db.NewIterator(util.BytesPrefix([]byte("e:"+b.name+":")), nil)
	defer it.Release()
	batch := new(leveldb.Batch)
	for it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		batch.Delete(k)
	}
	if err := it.Error(); err != nil {
		return err
	}
	return b.db.Write(batch, nil)
}

// Keys lists the resource paths stored in the bucket.
func (b *Bucket) Keys() ([]string, error) {
	prefix := []byte("e:" + b.name + ":")
	it := b.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
