package cmd

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// PathTemplate renders archive key prefixes.
// Supported placeholders: {dataset}, {job}, {YYYY}, {MM}, {DD}, {HH}.
type PathTemplate struct {
	template string
}

// NewPathTemplate creates a new PathTemplate instance
func NewPathTemplate(template string) *PathTemplate {
	return &PathTemplate{template: template}
}

// Generate replaces placeholders with the job's values and the UTC date
// parts of timestamp
func (pt *PathTemplate) Generate(job ExportJob, timestamp time.Time) string {
	ts := timestamp.UTC()
	return strings.NewReplacer(
		"{dataset}", job.DatasetName,
		"{job}", job.ID,
		"{YYYY}", ts.Format("2006"),
		"{MM}", ts.Format("01"),
		"{DD}", ts.Format("02"),
		"{HH}", ts.Format("15"),
	).Replace(pt.template)
}

// OutputFilename is {dataset}{epochMillis}{ext}
func OutputFilename(dataset string, referenceMillis int64, ext string) string {
	return dataset + strconv.FormatInt(referenceMillis, 10) + ext
}

// OutputPath joins OutputFilename onto dir
func OutputPath(dir, dataset string, referenceMillis int64, ext string) string {
	return filepath.Join(dir, OutputFilename(dataset, referenceMillis, ext))
}
