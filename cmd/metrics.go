package cmd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rowsExported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "data_exporter_rows_exported_total",
			Help: "Rows written to output files",
		},
		[]string{"job"},
	)

	pagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "data_exporter_pages_total",
			Help: "Page queries executed",
		},
		[]string{"job"},
	)

	pageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "data_exporter_page_duration_seconds",
			Help:    "Time spent querying and writing one page",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	filesRotated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "data_exporter_file_rotations_total",
			Help: "Output files started after the active one was finalized",
		},
		[]string{"job"},
	)

	checkpointsSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "data_exporter_checkpoints_saved_total",
			Help: "Runs that stopped on timeout and saved a resume cursor",
		},
		[]string{"job"},
	)

	filesArchived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "data_exporter_files_archived_total",
			Help: "Files uploaded to object storage, by result",
		},
		[]string{"result"},
	)

	bytesArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "data_exporter_archived_bytes_total",
			Help: "Uncompressed bytes read from archived files",
		},
	)

	hookRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "data_exporter_hook_runs_total",
			Help: "Hook invocations, by hook and result",
		},
		[]string{"hook", "result"},
	)
)
