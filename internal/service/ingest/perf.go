package ingest

import (
	"context"
	"crypto/sha1" //nolint:gosec // signature hashes are identifiers shared with existing series
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/mozilla/treeherder/internal/logparse"
	"github.com/mozilla/treeherder/internal/model"
)

// SignatureHash identifies a series by its properties. Keys and values are
// sorted together and digested, so the hash does not depend on map order.
func SignatureHash(props map[string]string) string {
	parts := make([]string, 0, 2*len(props))
	for k, v := range props {
		parts = append(parts, k, v)
	}
	slices.Sort(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, ""))) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// seriesProps are the identity properties of one suite or subtest series.
func seriesProps(job model.Job, suite logparse.PerfSuite, test string) map[string]string {
	props := map[string]string{
		"suite":             suite.Name,
		"option_collection": job.OptionCollection,
		"machine_platform":  job.Platform,
	}
	if test != "" {
		props["test"] = test
	}
	if len(suite.ExtraOptions) > 0 {
		extra := slices.Clone(suite.ExtraOptions)
		slices.Sort(extra)
		props["extra_options"] = strings.Join(extra, " ")
	}
	return props
}

func applyAlertProps(sig *model.PerformanceSignature, props logparse.PerfAlertProps) {
	sig.LowerIsBetter = props.LowerIsBetter == nil || *props.LowerIsBetter
	sig.ShouldAlert = props.ShouldAlert
	sig.AlertThreshold = props.AlertThreshold
	sig.MinBackWindow = props.MinBackWindow
	sig.MaxBackWindow = props.MaxBackWindow
	sig.ForeWindow = props.ForeWindow
	sig.AlertChangeType = model.ChangeTypePercentage
	if model.AlertChangeType(props.AlertChangeType) == model.ChangeTypeAbsolute {
		sig.AlertChangeType = model.ChangeTypeAbsolute
	}
}

// storePerf records the series values carried by a parsed log and
// analyzes the series that changed.
func (p *Pipeline) storePerf(ctx context.Context, job model.Job, push model.Push, blocks []logparse.PerfherderData) error {
	var touched []int64
	record := func(fw model.PerformanceFramework, suite logparse.PerfSuite, test string, props logparse.PerfAlertProps, value float64, muted bool) error {
		sig := model.PerformanceSignature{
			SignatureHash: SignatureHash(seriesProps(job, suite, test)),
			RepositoryID:  job.RepositoryID,
			FrameworkID:   fw.ID,
			Suite:         suite.Name,
			Test:          test,
			Platform:      job.Platform,
			Options:       job.OptionCollection,
		}
		applyAlertProps(&sig, props)
		if muted && sig.ShouldAlert == nil {
			off := false
			sig.ShouldAlert = &off
		}
		sig, err := p.store.UpsertPerformanceSignature(ctx, sig)
		if err != nil {
			return fmt.Errorf("ingest: upsert signature %s/%s: %w", suite.Name, test, err)
		}
		jobID := job.ID
		inserted, err := p.store.InsertPerfDatum(ctx, model.PerformanceDatum{
			SignatureID:   sig.ID,
			PushID:        push.ID,
			JobID:         &jobID,
			Value:         value,
			PushTimestamp: push.PushTimestamp,
			Machine:       job.Machine,
		})
		if err != nil {
			return fmt.Errorf("ingest: insert datum %s/%s: %w", suite.Name, test, err)
		}
		if inserted {
			touched = append(touched, sig.ID)
		}
		return nil
	}

	for _, block := range blocks {
		fw, err := p.store.UpsertPerformanceFramework(ctx, block.Framework.Name)
		if err != nil {
			return fmt.Errorf("ingest: upsert framework %s: %w", block.Framework.Name, err)
		}
		for _, suite := range block.Suites {
			if suite.Value != nil {
				if err := record(fw, suite, "", suite.PerfAlertProps, *suite.Value, false); err != nil {
					return err
				}
			}
			for _, sub := range suite.Subtests {
				if sub.Value == nil {
					continue
				}
				// Subtests of a suite with a summary value only alert on request.
				if err := record(fw, suite, sub.Name, sub.PerfAlertProps, *sub.Value, suite.Value != nil); err != nil {
					return err
				}
			}
		}
	}

	if p.perf == nil {
		return nil
	}
	for _, id := range touched {
		if _, err := p.perf.AnalyzeSignature(ctx, id); err != nil {
			p.logger.Warn("ingest: analyze series", "signature_id", id, "job_guid", job.GUID, "error", err)
		}
	}
	return nil
}
