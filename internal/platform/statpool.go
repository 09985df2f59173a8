package platform

import (
	"os"
	"sync"
)

const statWorkers = 4

// StatMany checks the given paths for existence on a small worker pool so
// callers on latency-sensitive paths never block on disk directly. The
// result slice is index-aligned with paths; a true entry means the path
// exists, is a regular file, and is at least minSize bytes.
func StatMany(paths []string, minSize int64) []bool {
	results := make([]bool, len(paths))
	if len(paths) == 0 {
		return results
	}

	type job struct{ idx int }
	jobs := make(chan job, len(paths))

	var wg sync.WaitGroup
	workers := statWorkers
	if workers > len(paths) {
		workers = len(paths)
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				info, err := os.Stat(paths[j.idx])
				results[j.idx] = err == nil && info.Mode().IsRegular() && info.Size() >= minSize
			}
		}()
	}

	for i := range paths {
		jobs <- job{idx: i}
	}
	close(jobs)
	wg.Wait()

	return results
}

// FileExists reports whether path exists as a regular file of at least
// minSize bytes.
func FileExists(path string, minSize int64) bool {
	if path == "" {
		return false
	}
	return StatMany([]string{path}, minSize)[0]
}
