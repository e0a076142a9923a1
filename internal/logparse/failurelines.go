package logparse

import (
	"strings"

	"github.com/mozilla/treeherder/internal/model"
)

const unexpectedPrefix = "TEST-UNEXPECTED-"

// FailureLine derives a structured failure from an error line.
//
//	TEST-UNEXPECTED-FAIL | test | message            -> test_result
//	TEST-UNEXPECTED-FAIL | test | subtest | message  -> test_result with subtest
//	PROCESS-CRASH | test | application crashed [@ f] -> crash
//
// Anything else becomes a log line.
func FailureLine(lineNumber int, raw string) model.FailureLine {
	_, body := splitTimestamp(raw)
	line := CleanLine(body)
	fl := model.FailureLine{Line: lineNumber}

	tokens := strings.Split(line, " | ")
	for i := range tokens {
		tokens[i] = strings.TrimSpace(tokens[i])
	}
	head := tokens[0]

	switch {
	case strings.HasPrefix(head, unexpectedPrefix) && len(tokens) >= 3:
		fl.Action = model.ActionTestResult
		fl.Status = strings.TrimPrefix(head, unexpectedPrefix)
		fl.Expected = "PASS"
		if fl.Status == "PASS" {
			fl.Expected = "FAIL"
		}
		fl.Test = tokens[1]
		if len(tokens) >= 4 {
			fl.Subtest = tokens[2]
			fl.Message = strings.Join(tokens[3:], " | ")
		} else {
			fl.Message = tokens[2]
		}
		fl.Level = "error"
		fl.Signature = ErrorSearchTerm(line)
	case strings.Contains(head, "PROCESS-CRASH"):
		fl.Action = model.ActionCrash
		if len(tokens) >= 3 {
			fl.Test = tokens[1]
		}
		fl.Signature = CrashSignature(line)
		fl.Message = line
		fl.Level = "critical"
	default:
		fl.Action = model.ActionLog
		fl.Message = line
		fl.Level = "error"
		fl.Signature = ErrorSearchTerm(line)
	}
	if fl.Signature == "" {
		fl.Signature = truncateRunes(line, maxSearchTermLen)
	}
	return fl
}

// FailureLines derives failure lines from errors, keeping at most cutoff.
// When errors exceed the cutoff a single truncated marker line follows.
func FailureLines(errs []LineError, cutoff int) []model.FailureLine {
	if cutoff <= 0 {
		cutoff = DefaultFailureLinesCutoff
	}
	out := make([]model.FailureLine, 0, min(len(errs), cutoff+1))
	for i, e := range errs {
		if i == cutoff {
			out = append(out, model.FailureLine{Line: e.LineNumber, Action: model.ActionTruncated})
			break
		}
		out = append(out, FailureLine(e.LineNumber, e.Line))
	}
	return out
}

// ParsedLog converts the artifacts into the rows stored for a log.
func (a *Artifacts) ParsedLog(cutoff int) model.ParsedLog {
	var pl model.ParsedLog
	for _, st := range a.StepData.Steps {
		pl.Steps = append(pl.Steps, model.TextLogStep{
			Name:         st.Name,
			Result:       st.Result,
			Started:      st.Started,
			Finished:     st.Finished,
			StartedLine:  st.StartedLine,
			FinishedLine: st.FinishedLine,
			Order:        st.Order,
		})
		for _, e := range st.Errors {
			pl.Errors = append(pl.Errors, model.TextLogError{
				StepOrder:  st.Order,
				LineNumber: e.LineNumber,
				Line:       e.Line,
			})
		}
	}
	pl.Details = append(pl.Details, a.JobDetails...)
	pl.FailureLines = FailureLines(a.StepData.AllErrors, cutoff)
	return pl
}
