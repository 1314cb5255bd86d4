package ingest

// Source describes one input table: its name (used as the column
// namespace after alignment), default file name and metric columns.
type Source struct {
	Name    string
	File    string
	Columns []string
}

var (
	Cases      = Source{Name: "cases", File: "case_counts.csv", Columns: []string{"cases"}}
	Weather    = Source{Name: "weather", File: "weather_data.csv", Columns: []string{"temperature", "humidity", "precipitation"}}
	Wastewater = Source{Name: "wastewater", File: "wastewater_data.csv", Columns: []string{"viral_load"}}
)

// Sources lists every known input in load order.
var Sources = []Source{Cases, Weather, Wastewater}
