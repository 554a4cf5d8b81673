// Package navigation maps free text onto the application's destinations and
// drives the single-page router until the destination is visibly active.
package navigation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Entry is one destination in the catalog.
type Entry struct {
	Label string `yaml:"label" json:"label"`
	URL   string `yaml:"url" json:"url"`
	// MainTab is the top-level panel marker (data-fasto-page) of the destination.
	MainTab string `yaml:"main_tab" json:"main_tab,omitempty"`
	// Subtab is the tab inside MainTab, carried in the ?tab= query parameter.
	Subtab   string   `yaml:"subtab" json:"subtab,omitempty"`
	Synonyms []string `yaml:"synonyms" json:"synonyms"`
}

// DefaultCatalog is the back-office application's route map.
func DefaultCatalog() []Entry {
	return []Entry{
		{Label: "Dashboard", URL: "/", MainTab: "dashboard", Synonyms: []string{"dashboard", "home", "overview", "main screen"}},
		{Label: "Schedule", URL: "/schedule", MainTab: "schedule", Synonyms: []string{"schedule", "calendar", "shifts", "scheduling", "shift calendar"}},
		{Label: "Timesheets", URL: "/schedule?tab=timesheets", MainTab: "schedule", Subtab: "timesheets", Synonyms: []string{"timesheets", "timesheet", "time cards", "hours worked", "time tracking"}},
		{Label: "Leads", URL: "/leads", MainTab: "leads", Synonyms: []string{"leads", "lead list", "prospects", "pipeline", "sales pipeline"}},
		{Label: "Projects", URL: "/projects", MainTab: "projects", Synonyms: []string{"projects", "jobs", "job list", "work", "active jobs"}},
		{Label: "Work Orders", URL: "/projects?tab=work-orders", MainTab: "projects", Subtab: "work-orders", Synonyms: []string{"work orders", "work order", "service tickets"}},
		{Label: "Project Estimates", URL: "/projects?tab=estimates", MainTab: "projects", Subtab: "estimates", Synonyms: []string{"estimates", "quotes", "bids"}},
		{Label: "Invoices", URL: "/invoices", MainTab: "invoices", Synonyms: []string{"invoices", "invoice list", "billing", "bills"}},
		{Label: "Payments", URL: "/invoices?tab=payments", MainTab: "invoices", Subtab: "payments", Synonyms: []string{"payments", "payment history", "received payments"}},
		{Label: "Expenses", URL: "/expenses", MainTab: "expenses", Synonyms: []string{"expenses", "receipts", "spending", "costs"}},
		{Label: "Team", URL: "/team", MainTab: "team", Synonyms: []string{"team", "crew", "employees", "staff", "crew members"}},
		{Label: "Reports", URL: "/reports", MainTab: "reports", Synonyms: []string{"reports", "analytics", "numbers"}},
		{Label: "Settings", URL: "/settings", MainTab: "settings", Synonyms: []string{"settings", "preferences", "account settings"}},
		{Label: "Integrations", URL: "/settings?tab=integrations", MainTab: "settings", Subtab: "integrations", Synonyms: []string{"integrations", "connected apps"}},
	}
}

type catalogFile struct {
	Replace bool    `yaml:"replace"`
	Entries []Entry `yaml:"entries"`
}

// LoadCatalog reads YAML overrides. Entries are appended to the default
// catalog unless the file sets replace: true.
func LoadCatalog(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for i, e := range f.Entries {
		if e.URL == "" || len(e.Synonyms) == 0 {
			return nil, fmt.Errorf("catalog entry %d (%q): url and synonyms are required", i, e.Label)
		}
	}
	if f.Replace {
		return f.Entries, nil
	}
	return append(DefaultCatalog(), f.Entries...), nil
}
