package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
)

// printReport renders a model x variant grid of pass/fail marks.
func printReport(w io.Writer, models []string, results []testResult) {
	byKey := make(map[string]testResult, len(results))
	for _, r := range results {
		byKey[r.Model+"/"+r.Variant] = r
	}

	sorted := append([]string(nil), models...)
	sort.Strings(sorted)

	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprint(tw, "MODEL")
	for _, v := range requestVariants {
		fmt.Fprintf(tw, "\t%s", v.Header)
	}
	fmt.Fprintln(tw)

	for _, model := range sorted {
		fmt.Fprint(tw, model)
		for _, v := range requestVariants {
			res, ok := byKey[model+"/"+v.Key]
			switch {
			case !ok:
				fmt.Fprint(tw, "\t-")
			case res.Success:
				fmt.Fprintf(tw, "\tok (%dms)", res.Duration.Milliseconds())
			default:
				fmt.Fprintf(tw, "\tFAIL (%d)", res.StatusCode)
			}
		}
		fmt.Fprintln(tw)
	}
	tw.Flush()

	for _, r := range results {
		if !r.Success && r.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", r.Model, r.Variant, r.Detail)
		}
	}
}
