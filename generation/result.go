package generation

// Status classifies the outcome of one orchestrated call.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusDegraded Status = "degraded" // a fallback image stands in for the requested output
	StatusFailed   Status = "failed"
)

// Result is what every orchestrator operation returns. URL is always set to
// something displayable except for failed videos; Err carries the provider
// error behind a degraded or failed outcome.
type Result struct {
	URL    string
	Status Status
	Err    error
}

func success(url string) Result {
	return Result{URL: url, Status: StatusSuccess}
}

func degraded(url string, err error) Result {
	return Result{URL: url, Status: StatusDegraded, Err: err}
}

func failed(url string, err error) Result {
	return Result{URL: url, Status: StatusFailed, Err: err}
}

// Failed reports whether the result should be treated as no output.
func (r Result) Failed() bool {
	return r.Status == StatusFailed
}

// Degraded reports whether a fallback was used.
func (r Result) Degraded() bool {
	return r.Status == StatusDegraded
}
