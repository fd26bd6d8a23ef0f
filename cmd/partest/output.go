package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/loykin/partest/internal/detector"
	"github.com/loykin/partest/internal/metrics"
	"github.com/loykin/partest/internal/pids"
)

type pidRow struct {
	pids.Entry `yaml:",inline"`
	Alive      bool                 `json:"alive" yaml:"alive"`
	Stats      *metrics.WorkerStats `json:"stats,omitempty" yaml:"stats,omitempty"`
}

func collectRows(reg *pids.Registry, f *PidsListFlags) ([]pidRow, error) {
	var entries []pids.Entry
	var err error
	if f.Live {
		entries, err = reg.Live()
	} else {
		entries, err = reg.All()
	}
	if err != nil {
		return nil, err
	}
	rows := make([]pidRow, 0, len(entries))
	for _, e := range entries {
		alive, _ := detector.PIDDetector{PID: e.PID, StartUnix: e.StartUnix}.Alive()
		r := pidRow{Entry: e, Alive: alive}
		if f.Stats && alive {
			if st, err := metrics.Snapshot(e.PID); err == nil {
				r.Stats = &st
			}
		}
		rows = append(rows, r)
	}
	return rows, nil
}

func listPids(w io.Writer, reg *pids.Registry, f *PidsListFlags) error {
	rows, err := collectRows(reg, f)
	if err != nil {
		return err
	}
	switch f.Output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rows); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		return renderTable(w, rows, f.Stats)
	default:
		return fmt.Errorf("unknown output format %q", f.Output)
	}
}

func renderTable(w io.Writer, rows []pidRow, stats bool) error {
	table := tablewriter.NewWriter(w)
	if stats {
		table.Header("PID", "Started", "Alive", "CPU %", "Memory MB", "Threads")
	} else {
		table.Header("PID", "Started", "Alive")
	}
	for _, r := range rows {
		started := "-"
		if r.StartUnix > 0 {
			started = time.Unix(r.StartUnix, 0).Format(time.RFC3339)
		}
		cells := []string{strconv.Itoa(r.PID), started, strconv.FormatBool(r.Alive)}
		if stats {
			if r.Stats != nil {
				cells = append(cells,
					fmt.Sprintf("%.1f", r.Stats.CPUPercent),
					fmt.Sprintf("%.1f", r.Stats.MemoryMB),
					strconv.Itoa(int(r.Stats.NumThreads)))
			} else {
				cells = append(cells, "-", "-", "-")
			}
		}
		if err := table.Append(cells); err != nil {
			return err
		}
	}
	return table.Render()
}
