package taskgraph

import "fmt"

// MonitorPath is the name of the monitor artifact for a bug
func MonitorPath(bugID int, parentID string) string {
	return fmt.Sprintf("monitor-%d-%s.json", bugID, parentID)
}

// ProcessorResultPath is the name of the artifact a processor task produces
func ProcessorResultPath(bugID int, parentID string) string {
	return fmt.Sprintf("processor-result-%d-%s.json", bugID, parentID)
}

// TracePath is the name of the rr trace archive a processor task produces
func TracePath(bugID int, parentID string) string {
	return fmt.Sprintf("processor-rr-trace-%d-%s.tar.gz", bugID, parentID)
}

// ProcessorTaskFile is the file a processor task definition is written to
// when running offline
func ProcessorTaskFile(bugID int, parentID string) string {
	return fmt.Sprintf("processor-task-%d-%s.json", bugID, parentID)
}

// ReporterTaskFile is the file a reporter task definition is written to
// when running offline
func ReporterTaskFile(bugID int, parentID string) string {
	return fmt.Sprintf("reporter-task-%d-%s.json", bugID, parentID)
}
