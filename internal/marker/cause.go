package marker

// Cause classifies why a job vanished from the queue without a marker.
type Cause string

const (
	CauseUnknown     Cause = ""
	CauseSubmitLimit Cause = "submit-limit"
	CauseTimeLimit   Cause = "time-limit"
	CauseMemory      Cause = "out-of-memory"
	CauseCancelled   Cause = "cancelled"
	CauseNodeFailure Cause = "node-failure"
)

var causeNeedles = []struct {
	needle string
	cause  Cause
}{
	{"QOSMaxSubmitJobPerUserLimit", CauseSubmitLimit},
	{"DUE TO TIME LIMIT", CauseTimeLimit},
	{"oom-kill", CauseMemory},
	{"Exceeded job memory limit", CauseMemory},
	{"DUE TO NODE FAILURE", CauseNodeFailure},
	{"CANCELLED AT", CauseCancelled},
}

// Retryable reports whether the cause comes from the scheduler rather than
// the job's own code, so resubmitting unchanged may succeed.
func (c Cause) Retryable() bool {
	switch c {
	case CauseSubmitLimit, CauseNodeFailure, CauseCancelled:
		return true
	default:
		return false
	}
}

func (c Cause) String() string {
	if c == CauseUnknown {
		return "unknown"
	}
	return string(c)
}

// ClassifyCrash scans logs for scheduler-imposed termination messages. The
// first recognised cause wins; the matching finding is returned with it.
func ClassifyCrash(patterns []string) (Cause, *Finding) {
	needles := make([]string, len(causeNeedles))
	for i, c := range causeNeedles {
		needles[i] = c.needle
	}
	findings := Scan(patterns, needles...)
	if len(findings) == 0 {
		return CauseUnknown, nil
	}
	first := findings[0]
	for _, c := range causeNeedles {
		if c.needle == first.Needle {
			return c.cause, &first
		}
	}
	return CauseUnknown, &first
}
