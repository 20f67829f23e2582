package notify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/openelev/demjobs/pkg/ledger"
)

// Notifier renders lifecycle messages from ledger state and delivers
// them through the transport. Absence of a subscription for a username
// is not an error: the message is silently skipped.
type Notifier struct {
	Ledger    *ledger.Store
	Transport Transport
	Logger    *zap.Logger
}

func (n *Notifier) logger() *zap.Logger {
	if n.Logger == nil {
		return zap.NewNop()
	}
	return n.Logger
}

// Suppression reports which notifications a job's command configuration
// turns off. Unsubscribe requests send nothing at all; subscribe
// requests skip the submitted message and announce only completion.
func Suppression(command string, args map[string]any) (suppressSubmitted, suppressAll bool) {
	if command != "update" {
		return false, false
	}
	sub, ok := args["sub_command"]
	if !ok {
		return false, false
	}
	switch fmt.Sprintf("%v", sub) {
	case "unsubscribe":
		return true, true
	case "subscribe":
		return true, false
	}
	return false, false
}

// JobSubmitted sends the submission acknowledgement. commandString is
// the rendered invocation echoed back to the user.
func (n *Notifier) JobSubmitted(ctx context.Context, job *ledger.Job, commandString string) error {
	subject := fmt.Sprintf(subjectSubmitted, job.Username, job.JobID)
	body := fmt.Sprintf(bodySubmitted, job.Username, job.JobID, commandString)
	body += messageEnding
	return n.deliver(ctx, job, subject, body)
}

// JobFinished sends the completion message with per-file-set counts and
// items rendered from the ledger's file rows. A job that did not reach
// complete reports partial success explicitly, never rounded up.
func (n *Notifier) JobFinished(ctx context.Context, job *ledger.Job) error {
	files, err := n.Ledger.ListFilesForJob(ctx, job.JobID, job.Username)
	if err != nil {
		return err
	}

	var inputs, outputs []ledger.File
	for _, f := range files {
		if f.ImportOrExport == ledger.FileImport || f.ImportOrExport == ledger.FileImportAndExport {
			inputs = append(inputs, f)
		}
		if f.ImportOrExport == ledger.FileExport || f.ImportOrExport == ledger.FileImportAndExport {
			outputs = append(outputs, f)
		}
	}

	subject := fmt.Sprintf(subjectFinished, job.Username, job.JobID, job.Status)

	var body strings.Builder
	fmt.Fprintf(&body, bodyFinishedStart, job.Username, job.JobID, job.Status)
	writeFileSet(&body, inputFilesAddendum, inputs)
	if len(outputs) > 0 {
		writeFileSet(&body, outputFilesAddendum, outputs)
		fmt.Fprintf(&body, outputDownloadNote, job.Username, job.JobID)
	}
	if job.Status != ledger.JobComplete {
		fmt.Fprintf(&body, unsuccessfulAddendum, job.Username, job.JobID)
	}
	body.WriteString(messageEnding)

	return n.deliver(ctx, job, subject, body.String())
}

func writeFileSet(body *strings.Builder, addendum string, files []ledger.File) {
	if len(files) == 0 {
		return
	}
	successful := 0
	for _, f := range files {
		if f.Status.Successful() {
			successful++
		}
	}
	fmt.Fprintf(body, addendum, len(files), successful, len(files)-successful)
	for _, f := range files {
		fmt.Fprintf(body, fileItem, f.Filename, humanSize(f.SizeBytes), f.Status)
	}
}

// deliver routes one message through the transport when the user has a
// subscription, and records the delivery receipt.
func (n *Notifier) deliver(ctx context.Context, job *ledger.Job, subject, body string) error {
	sub, err := n.Ledger.LookupSubscription(ctx, job.Username)
	if err != nil {
		return err
	}
	if sub == nil {
		n.logger().Debug("no subscription, message skipped",
			zap.Int64("job_id", job.JobID),
			zap.String("username", job.Username))
		return nil
	}

	receipt, err := n.Transport.Publish(ctx, subject, body, job.JobID, job.Username)
	if err != nil {
		return fmt.Errorf("deliver %q: %w", subject, err)
	}

	if err := n.Ledger.RecordNotification(ctx, job.JobID, job.Username, subject, receipt); err != nil {
		return err
	}

	n.logger().Info("notification sent",
		zap.Int64("job_id", job.JobID),
		zap.String("username", job.Username),
		zap.String("subject", subject))
	return nil
}

// Subscribe registers a user's email on the topic and appends the
// subscription row. Unless all is set, delivery is filtered to the
// user's own messages.
func (n *Notifier) Subscribe(ctx context.Context, username, email, topicARN string, all bool) (*ledger.Subscription, error) {
	var filter []string
	var filterValue *string
	if !all {
		filter = []string{username}
		v := username
		filterValue = &v
	}

	arn, err := n.Transport.Subscribe(ctx, email, filter)
	if err != nil {
		return nil, err
	}

	sub := ledger.Subscription{
		Username:        username,
		UserEmail:       email,
		TopicARN:        topicARN,
		UsernameFilter:  filterValue,
		SubscriptionARN: arn,
	}
	if err := n.Ledger.AddSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Unsubscribe looks up the newest subscription for the email, removes
// it from the transport, and deletes the rows. Unknown emails are a
// no-op.
func (n *Notifier) Unsubscribe(ctx context.Context, email string) error {
	sub, err := n.Ledger.LookupSubscriptionByEmail(ctx, email)
	if err != nil {
		return err
	}
	if sub == nil {
		return nil
	}
	if sub.SubscriptionARN != "" {
		if err := n.Transport.Unsubscribe(ctx, sub.SubscriptionARN); err != nil {
			return err
		}
	}
	return n.Ledger.RemoveSubscription(ctx, email)
}
