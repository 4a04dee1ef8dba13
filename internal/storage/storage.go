// Package storage implements the timed storage abstraction (spec.md §4,
// C9): a uniform interface over "local recordings" and "remote cloud
// storage" that the timeline synchronizer (internal/timelinesync) walks
// without caring which side of the upload it is talking to.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vxg-embedded/cloud-agent/internal/clock"
)

// State is where an Item sits in its load/upload lifecycle.
type State int

const (
	StateEmpty State = iota
	StateLoaded
	StateAsyncReady
)

// Item is one slice of recorded media, as described by spec.md §3's
// "Storage item". Payload is populated by Load and consumed by Store/
// StoreAsync; it is nil for items returned by List.
type Item struct {
	Period    clock.Period
	Category  string
	MediaType string
	State     State
	Payload   []byte
}

// Valid reports whether i's period is a valid, closed range. An item with
// an open or invalid period cannot be uploaded.
func (i Item) Valid() bool {
	return i.Period.IsValid() && !i.Period.IsOpen()
}

// DoneFunc reports the terminal outcome of an asynchronous store.
type DoneFunc func(ok bool)

// CanceledFunc lets a long-running store check for external cancellation
// between chunks.
type CanceledFunc func() bool

// Timeline is the interface both the source (local recordings) and
// destination (remote cloud storage) sides of a sync implement. Not every
// method is meaningful on every side: a read-only source need not
// implement Store/StoreAsync beyond returning an error, and a
// write-mostly destination's Load is only used when Load-before-Store is
// required by a particular implementation.
type Timeline interface {
	// List returns every item known to exist (fully or partially) within
	// period, without loading payloads.
	List(ctx context.Context, period clock.Period) ([]Item, error)
	// Load reads item's payload into memory.
	Load(ctx context.Context, item Item) (Item, error)
	// Store writes item synchronously.
	Store(ctx context.Context, item Item) error
	// StoreAsync writes item without blocking the caller; done is invoked
	// exactly once with the final outcome. isCanceled is polled by the
	// implementation to abandon an in-flight store early.
	StoreAsync(item Item, done DoneFunc, isCanceled CanceledFunc)
}

// LocalTimeline is a Timeline backed by a directory tree of flat files,
// one per item, named by their packed begin/end timestamps. It is
// normally used as a sync source: List/Load are fully supported, and
// Store/StoreAsync write files as well; StoreAsync runs Store in a
// goroutine and reports its outcome through done.
type LocalTimeline struct {
	root string
}

// NewLocalTimeline opens a local timeline rooted at dir. dir is created on
// first Store if it does not already exist.
func NewLocalTimeline(dir string) *LocalTimeline {
	return &LocalTimeline{root: dir}
}

func (l *LocalTimeline) itemDir(category string) string {
	return filepath.Join(l.root, category)
}

func (l *LocalTimeline) itemPath(item Item) string {
	name := fmt.Sprintf("%s_%s.%s", item.Period.Begin.Packed(), item.Period.End.Packed(), extFor(item.MediaType))
	return filepath.Join(l.itemDir(item.Category), name)
}

func extFor(mediaType string) string {
	// Items returned by List carry "application/octet-stream;ext=<ext>".
	if i := strings.Index(mediaType, ";ext="); i >= 0 && i+len(";ext=") < len(mediaType) {
		return mediaType[i+len(";ext="):]
	}
	if i := strings.LastIndexByte(mediaType, '/'); i >= 0 && i+1 < len(mediaType) {
		return mediaType[i+1:]
	}
	return "bin"
}

// List scans every category subdirectory for files whose packed begin/end
// name intersects period.
func (l *LocalTimeline) List(ctx context.Context, period clock.Period) ([]Item, error) {
	entries, err := os.ReadDir(l.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var items []Item
	for _, catEntry := range entries {
		if !catEntry.IsDir() {
			continue
		}
		category := catEntry.Name()
		files, err := os.ReadDir(filepath.Join(l.root, category))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			item, ok := parseItemName(category, f.Name())
			if !ok {
				continue
			}
			if !item.Period.Intersects(period) {
				continue
			}
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return clock.Less(items[i].Period, items[j].Period) })
	return items, nil
}

func parseItemName(category, name string) (Item, bool) {
	base := name
	ext := "bin"
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		base = name[:i]
		ext = name[i+1:]
	}
	parts := strings.SplitN(base, "_", 2)
	if len(parts) != 2 {
		return Item{}, false
	}
	begin, err := clock.ParseAny(parts[0])
	if err != nil {
		return Item{}, false
	}
	end, err := clock.ParseAny(parts[1])
	if err != nil {
		return Item{}, false
	}
	return Item{
		Period:    clock.NewPeriod(begin, end),
		Category:  category,
		MediaType: "application/octet-stream;ext=" + ext,
		State:     StateEmpty,
	}, true
}

// Load reads item's bytes from disk.
func (l *LocalTimeline) Load(ctx context.Context, item Item) (Item, error) {
	data, err := os.ReadFile(l.itemPath(item))
	if err != nil {
		return item, err
	}
	item.Payload = data
	item.State = StateLoaded
	return item, nil
}

// Store writes item's payload to disk, creating the category directory as
// needed.
func (l *LocalTimeline) Store(ctx context.Context, item Item) error {
	if err := os.MkdirAll(l.itemDir(item.Category), 0o755); err != nil {
		return err
	}
	return os.WriteFile(l.itemPath(item), item.Payload, 0o644)
}

// StoreAsync runs Store synchronously in a new goroutine; the local
// timeline has no network latency to hide, so there is nothing to
// overlap beyond not blocking the synchronizer's dispatcher thread.
func (l *LocalTimeline) StoreAsync(item Item, done DoneFunc, isCanceled CanceledFunc) {
	go func() {
		if isCanceled != nil && isCanceled() {
			done(false)
			return
		}
		err := l.Store(context.Background(), item)
		done(err == nil)
	}()
}
