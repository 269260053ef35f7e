package retouch

import "fmt"

// SubmissionError is returned when the processor rejects or never receives a job
type SubmissionError struct {
	StatusCode int
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("retouch submission failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("retouch submission failed: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// StatusFetchError is returned when a job status cannot be read
type StatusFetchError struct {
	JobID      string
	StatusCode int
	Err        error
}

func (e *StatusFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("retouch status for job %s failed with status %d: %v", e.JobID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("retouch status for job %s failed: %v", e.JobID, e.Err)
}

func (e *StatusFetchError) Unwrap() error {
	return e.Err
}
