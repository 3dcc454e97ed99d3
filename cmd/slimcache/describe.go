package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"slimcache/internal/klog"
	"slimcache/pkg/config"
)

// describeStats prints the name of every metric the server exports. The list
// is taken from a small throwaway instance so it always matches what /metrics
// serves.
func describeStats(w io.Writer) error {
	cfg := config.Default()
	cfg.Cuckoo.ItemCount = 16
	cfg.Admin.Enabled = false
	cfg.Klog.Enabled = false

	inst, err := build(cfg, nil)
	if err != nil {
		return err
	}
	// register the command log counters without opening a file
	klog.New(io.Discard, klog.Config{}, inst.klogSet)

	var buf bytes.Buffer
	for _, set := range inst.metricSets() {
		set.WritePrometheus(&buf)
	}

	for _, name := range metricNames(&buf) {
		if _, err := fmt.Fprintln(w, name); err != nil {
			return err
		}
	}
	return nil
}

// metricNames extracts the distinct metric names from Prometheus text output
func metricNames(r io.Reader) []string {
	seen := make(map[string]struct{})
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexAny(line, "{ "); i > 0 {
			line = line[:i]
		}
		seen[line] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
