package job

// Result is the terminal payload of a finished job. Exactly one of the
// three branches is populated: Summary for completed, Errors for failed,
// SkipReason for skipped.
type Result struct {
	Summary    *Summary `json:"summary,omitempty"     bson:"summary,omitempty"`
	Errors     []string `json:"errors,omitempty"      bson:"errors,omitempty"`
	SkipReason string   `json:"skip_reason,omitempty" bson:"skip_reason,omitempty"`
}

// Summary describes a successful build.
type Summary struct {
	SourcesProcessed   int64            `json:"sources_processed"      bson:"sources_processed"`
	SourcesFailed      int64            `json:"sources_failed"         bson:"sources_failed"`
	TotalDomains       int64            `json:"total_domains"          bson:"total_domains"`
	UniqueDomains      int64            `json:"unique_domains"         bson:"unique_domains"`
	WhitelistedRemoved int64            `json:"whitelisted_removed"    bson:"whitelisted_removed"`
	OutputFiles        []OutputFile     `json:"output_files,omitempty" bson:"output_files,omitempty"`
	Categories         map[string]int64 `json:"categories,omitempty"   bson:"categories,omitempty"`
	DurationMs         int64            `json:"duration_ms"            bson:"duration_ms"`
}

// OutputFile describes one generated blocklist artifact.
type OutputFile struct {
	Name        string `json:"name"         bson:"name"`
	Format      string `json:"format"       bson:"format"`
	SizeBytes   int64  `json:"size_bytes"   bson:"size_bytes"`
	DomainCount int64  `json:"domain_count" bson:"domain_count"`
}

// SuccessResult wraps a Summary as a terminal Result.
func SuccessResult(s *Summary) *Result { return &Result{Summary: s} }

// FailureResult wraps error strings as a terminal Result.
func FailureResult(errs []string) *Result { return &Result{Errors: errs} }

// SkipResult wraps a skip reason as a terminal Result.
func SkipResult(reason string) *Result { return &Result{SkipReason: reason} }

// Clone returns a deep copy of the result.
func (r *Result) Clone() *Result {
	cp := *r
	if r.Summary != nil {
		sum := *r.Summary
		if r.Summary.OutputFiles != nil {
			sum.OutputFiles = make([]OutputFile, len(r.Summary.OutputFiles))
			copy(sum.OutputFiles, r.Summary.OutputFiles)
		}
		if r.Summary.Categories != nil {
			sum.Categories = make(map[string]int64, len(r.Summary.Categories))
			for k, v := range r.Summary.Categories {
				sum.Categories[k] = v
			}
		}
		cp.Summary = &sum
	}
	if r.Errors != nil {
		cp.Errors = make([]string, len(r.Errors))
		copy(cp.Errors, r.Errors)
	}
	return &cp
}
