// Package notify renders and delivers job lifecycle messages to
// subscribed users and records each delivery in the ledger.
package notify

import "fmt"

// Message templates. Slot order and count are a contract with the
// rendering code below: adding or removing a slot breaks the binding.
const (
	// subject: username, job_id
	subjectSubmitted = "DEM job %s_%d submitted"

	// body: username, job_id, command string
	bodySubmitted = `Hello %s,

Your job %d has been received and is now being processed.

Command:
    %s
`

	// subject: username, job_id, status
	subjectFinished = "DEM job %s_%d finished: %s"

	// body: username, job_id, status
	bodyFinishedStart = `Hello %s,

Your job %d has finished with status "%s".
`

	// addendum: count, successful, unsuccessful
	inputFilesAddendum = `
Input files: %d (%d successful, %d unsuccessful)
`

	// addendum: count, successful, unsuccessful
	outputFilesAddendum = `
Output files: %d (%d successful, %d unsuccessful)
`

	// item: filename, human size, status
	fileItem = "    %s  (%s)  %s\n"

	// note: username, job_id
	outputDownloadNote = `
%s, the output files of job %d are ready to download.
`

	// addendum: username, job_id
	unsuccessfulAddendum = `
%s, job %d completed with partial success. Some files did not finish
cleanly; their statuses are listed above.
`

	messageEnding = `
This is an automated message. Do not reply.
`
)

// humanSize renders a byte count the way it appears in messages.
func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
