package assistant

import (
	"fmt"
	"strings"
	"time"

	"github.com/triage-ai/palisade/services/sql_guard/internal/catalog"
)

// Instructions are the standing assistant instructions pushed by SyncAssistant.
const Instructions = `You are an assistant that helps users gain insight into their data by writing SQL queries that answer their questions.
Tell the user if their question does not make sense before writing any SQL.
Write one valid SELECT statement per tool call to fetch the data needed. Prefix every table with its schema name and name every column explicitly.
Every query must be restricted to the user's tenant identifier.
When a query is rejected, explain the refusal to the user instead of retrying with tables or columns that are not listed.
Be succinct.`

// Briefing builds the per-run additional instructions: today's date, the
// caller's tenant and the catalog description document.
func Briefing(now time.Time, tenantID string, c *catalog.Catalog) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The current date is: %s\n", now.Format("2006-01-02"))
	if tenantID != "" {
		fmt.Fprintf(&b, "This user's UUID is: %s\n", tenantID)
	}
	b.WriteString("The following is a JSON document describing the tables you may query:\n")
	b.WriteString(c.DescribeJSON())
	b.WriteString("\nUse only these schemas, tables and columns to answer the user's question.")
	return b.String()
}
