package runner

var defaultHistogramBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

var customBuckets = map[string][]float64{
	"geo_report_lookup_latency": {
		0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, // local database lookups are sub-millisecond, http lookups may be retried
	},
}
