package scan

import "github.com/eargollo/pbicatalog/internal/importer"

// Progress milestones of a run. Extraction reports nothing until it exits, so
// the running phase stays at startProgress; import progress is spread over
// the band between processingProgress and importedProgress.
const (
	startProgress      = 0
	processingProgress = 80
	importedProgress   = 90
	doneProgress       = 100
)

// importProgress maps importer progress onto the processing band.
func importProgress(p importer.Progress) int {
	if p.WorkspacesTotal <= 0 {
		return processingProgress
	}
	band := importedProgress - processingProgress
	return processingProgress + band*p.WorkspacesDone/p.WorkspacesTotal
}
