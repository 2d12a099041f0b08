package rules

// Facts are the case observations a hypothesis rule can reason over.
type Facts struct {
	Subject                  string
	Events                   int
	Deletions                int
	Encrypted                int
	OffHoursRatio            float64
	UnusualProcesses         int
	AnomalyScore             float64
	Failures                 int
	CustomProtectionFailures int
	DeletionsAfterFailure    int
	Operations               map[string]int
}

// Activation returns the CEL variables of f.
func (f Facts) Activation() map[string]any {
	ops := make(map[string]int64, len(f.Operations))
	for k, v := range f.Operations {
		ops[k] = int64(v)
	}

	vars := map[string]any{
		"subject":                    f.Subject,
		"events":                     int64(f.Events),
		"deletions":                  int64(f.Deletions),
		"encrypted":                  int64(f.Encrypted),
		"off_hours_ratio":            f.OffHoursRatio,
		"unusual_processes":          int64(f.UnusualProcesses),
		"anomaly_score":              f.AnomalyScore,
		"failures":                   int64(f.Failures),
		"custom_protection_failures": int64(f.CustomProtectionFailures),
		"deletions_after_failure":    int64(f.DeletionsAfterFailure),
		"operations":                 ops,
	}

	nested := make(map[string]any, len(vars))
	for k, v := range vars {
		nested[k] = v
	}
	vars["facts"] = nested
	return vars
}
