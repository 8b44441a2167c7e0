package poller

type pollMetrics struct {
	selected   int
	polled     int
	failed     int
	skipped    int
	references int
	elements   int
	downloaded int
	duplicates int
	errored    int
}

func (m *pollMetrics) Add(other *pollMetrics) {
	m.selected += other.selected
	m.polled += other.polled
	m.failed += other.failed
	m.skipped += other.skipped
	m.references += other.references
	m.elements += other.elements
	m.downloaded += other.downloaded
	m.duplicates += other.duplicates
	m.errored += other.errored
}

func (m *pollMetrics) report(rep Reporter) {
	rep.Add("subscriptions", m.selected)
	rep.Add("polled", m.polled)
	rep.Add("failed", m.failed)
	rep.Add("skipped", m.skipped)
	rep.Add("references", m.references)
	rep.Add("elements", m.elements)
	rep.Add("downloaded", m.downloaded)
	rep.Add("duplicates", m.duplicates)
	rep.Add("download_errors", m.errored)
}

func (m *pollMetrics) logArgs() []any {
	args := make([]any, 0)
	if m.polled != 0 {
		args = append(args, "polled", m.polled)
	}
	if m.failed != 0 {
		args = append(args, "failed", m.failed)
	}
	if m.skipped != 0 {
		args = append(args, "skipped", m.skipped)
	}
	if m.elements != 0 {
		args = append(args, "elements", m.elements)
	}
	if m.downloaded != 0 {
		args = append(args, "downloaded", m.downloaded)
	}
	if m.errored != 0 {
		args = append(args, "download_errors", m.errored)
	}
	return args
}
