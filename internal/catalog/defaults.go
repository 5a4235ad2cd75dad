package catalog

// Default returns the built-in GA4 reporting catalog.
func Default() *Catalog {
	return MustNew(DefaultEntries())
}

// DefaultEntries returns the entries behind Default.
func DefaultEntries() []Entry {
	return []Entry{
		{
			Schema:      "ga4_floorforce",
			Table:       "web_trends_mv",
			Description: "This is view is a summary of all metrics of interest and aggregated by retailer and calculated daily.",
			Columns: map[string]string{
				"uuid":                 "Universal Retailer ID",
				"date":                 "Day the metric was counted",
				"sessions":             "Sum of sessions",
				"users":                "Sum of users",
				"pageviews":            "Sum of pageviews",
				"avg_session_duration": "Average length of time for all sessions on the page",
				"bounce_rate":          "Percentage of people that stay on the page and don’t submit data before leaving",
				"leads":                "Lead count",
				"conversion_rate":      "Goals (calls, chats, forms) divided by the number of sessions",
			},
		},
		{
			Schema:      "ga4_floorforce",
			Table:       "conversion_rates_raw",
			Description: "This view calculates daily total conversion rate and conversion rate by medium (chat, call, form).",
			Columns: map[string]string{
				"uuid":  "Universal Retailer ID",
				"date":  "Date conversion was made",
				"call":  "Conversion rate for call",
				"chat":  "Conversion rate for chat",
				"form":  "Conversion rate for form",
				"total": "Combined conversion rate for call, chat, and form",
			},
		},
		{
			Schema:      "ga4_floorforce",
			Table:       "top_pages",
			Description: "This view counts pageviews by page.",
			Columns: map[string]string{
				"uuid":       "Universal Retailer ID",
				"date":       "Date that page was viewed",
				"page":       "Page location that appears after the domain",
				"page_path":  "Path of the page",
				"page_views": "Sum of pageviews for that page",
			},
		},
		{
			Schema:      "ga4_floorforce",
			Table:       "top_channels",
			Description: "This view counts sessions per channel group.",
			Columns: map[string]string{
				"uuid":          "Universal Retailer ID",
				"date":          "Date session occurred",
				"channel group": "Medium for which the user found the site",
				"sessions":      "Sum of sessions",
			},
		},
		{
			Schema:      "ga4_floorforce",
			Table:       "web_trends_daily",
			Description: "This view counts sessions, users, and pageviews daily.",
			Columns: map[string]string{
				"uuid":      "Universal Retailer ID",
				"date":      "Date that page was viewed",
				"users":     "Sum of users",
				"sessions":  "Sum of sessions",
				"pageviews": "Sum of pageviews for that page",
			},
		},
	}
}
