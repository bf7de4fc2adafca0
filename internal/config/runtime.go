package config

import (
	"os"
	"strconv"
)

var threadEnvKeys = []string{"OMP_NUM_THREADS", "OMP_THREAD_LIMIT", "MKL_NUM_THREADS"}

// ApplyThreadDefaults splits the thread budget across worker processes. It only
// fills variables that are unset and must run before any engine is created.
func ApplyThreadDefaults(threads, workers int) map[string]string {
	if threads <= 0 {
		threads = 4
	}
	if workers <= 0 {
		workers = 1
	}
	perWorker := threads / workers
	if perWorker < 1 {
		perWorker = 1
	}

	applied := make(map[string]string, len(threadEnvKeys))
	for _, key := range threadEnvKeys {
		if v := os.Getenv(key); v != "" {
			applied[key] = v
			continue
		}
		v := strconv.Itoa(perWorker)
		_ = os.Setenv(key, v)
		applied[key] = v
	}
	return applied
}
