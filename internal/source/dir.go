package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
)

// DirOptions control a directory source.
type DirOptions struct {
	// Loop restarts from the first file after the last, publishing the
	// directory contents forever.
	Loop bool
	// Watch picks up image files added to the directory while running.
	// With neither Loop nor Watch the source ends after one pass.
	Watch bool
}

// Dir reads image files from a directory in sorted order. It is used from
// a single stage loop and is not safe for concurrent Next calls.
type Dir struct {
	opts    DirOptions
	files   []string
	idx     int
	seq     uint64
	added   chan string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewDir scans dir for supported image files. It fails when the directory
// does not exist or contains no images and Watch is off.
func NewDir(dir string, opts DirOptions) (*Dir, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan image directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := imageFormat(e.Name()); ok {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	if len(files) == 0 && !opts.Watch {
		return nil, fmt.Errorf("no image files in %s", dir)
	}

	d := &Dir{opts: opts, files: files}
	if opts.Watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create directory watcher: %w", err)
		}
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
		d.watcher = watcher
		d.added = make(chan string, 64)
		d.done = make(chan struct{})
		go d.watch()
	}
	return d, nil
}

func (d *Dir) watch() {
	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			if _, ok := imageFormat(event.Name); !ok {
				continue
			}
			select {
			case d.added <- event.Name:
			case <-d.done:
				return
			}
		case _, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Next returns the next image in the directory. Identifiers follow the
// upstream convention <filename>_<sequence>.
func (d *Dir) Next(ctx context.Context) (Capture, error) {
	for {
		d.drainAdded()
		if d.idx < len(d.files) {
			path := d.files[d.idx]
			d.idx++
			format, _ := imageFormat(path)
			data, err := os.ReadFile(path)
			if err != nil {
				return Capture{}, fmt.Errorf("read %s: %w", path, err)
			}
			c := Capture{
				ID:     fmt.Sprintf("%s_%d", filepath.Base(path), d.seq),
				Data:   data,
				Format: format,
			}
			d.seq++
			return c, nil
		}
		if d.opts.Loop && len(d.files) > 0 {
			d.idx = 0
			continue
		}
		if d.added == nil {
			return Capture{}, io.EOF
		}
		select {
		case <-ctx.Done():
			return Capture{}, ctx.Err()
		case path := <-d.added:
			d.files = append(d.files, path)
		}
	}
}

func (d *Dir) drainAdded() {
	if d.added == nil {
		return
	}
	for {
		select {
		case path := <-d.added:
			d.files = append(d.files, path)
		default:
			return
		}
	}
}

func (d *Dir) Close() error {
	if d.watcher != nil {
		close(d.done)
		return d.watcher.Close()
	}
	return nil
}
