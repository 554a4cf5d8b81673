package workflow

import (
	"fmt"
	"strings"
)

const (
	CreateShift     Type = "create-shift"
	AddLeadNote     Type = "add-lead-note"
	CreateWorkOrder Type = "create-work-order"
	CreateLead      Type = "create-lead"
	LogExpense      Type = "log-expense"
)

func present(key string) SkipFunc {
	return func(d Data) bool { return d[key] != "" }
}

func absent(key string) SkipFunc {
	return func(d Data) bool { return d[key] == "" }
}

// Builtin returns the compiled-in workflow definitions.
func Builtin() []*Definition {
	return []*Definition{
		createShift(),
		addLeadNote(),
		createWorkOrder(),
		createLead(),
		logExpense(),
	}
}

func createShift() *Definition {
	return &Definition{
		Type:          CreateShift,
		Description:   "Schedule a crew shift on a job",
		Triggers:      []string{"create a shift", "create shift", "new shift", "add a shift", "schedule a shift", "schedule someone", "book a shift"},
		PersistAction: "schedule.create",
		Source:        "builtin",
		Steps: []Step{
			{ID: "open-schedule", Action: ActionNavigate, Target: "/schedule", SpeakText: "Let's set up a new shift.", Optional: true},
			{ID: "date", Action: ActionAsk, Field: "date", Question: "What day is the shift?", Transform: DateTransform, SkipIf: present("date"), Aliases: []string{"day"}},
			{ID: "shift_time", Action: ActionAsk, Question: "What time does it start and end?", Transform: TimeRangeTransform("startTime", "endTime"), SkipIf: present("startTime"), Aliases: []string{"time", "times", "hours"}},
			{ID: "job_name", Action: ActionAsk, Field: "job_name", Question: "Which job is it for?", Transform: TrimTransform, Validate: Required("job name"), SkipIf: present("job_name"), Aliases: []string{"job"}},
			{ID: "confirm", Action: ActionConfirm, Question: "Should I create it?"},
			{ID: "open-form", Action: ActionClick, Target: "action:shift-create", Optional: true},
			{ID: "fill-date", Action: ActionFill, Target: "field:date", Field: "date", Optional: true, Needs: []string{"open-form"}},
			{ID: "fill-start", Action: ActionFill, Target: "field:start_time", Field: "startTime", Optional: true, Needs: []string{"fill-date"}},
			{ID: "fill-end", Action: ActionFill, Target: "field:end_time", Field: "endTime", Optional: true, Needs: []string{"fill-start"}},
			{ID: "fill-job", Action: ActionFill, Target: "field:job_name", Field: "job_name", Optional: true, Needs: []string{"fill-end"}},
			{ID: "save", Action: ActionClick, Target: "action:save-shift", Optional: true, Commit: true, Needs: []string{"fill-job"}},
		},
		Summary: func(d Data) string {
			return fmt.Sprintf("I'll schedule a shift on %s from %s to %s for %s.",
				HumanDate(d["date"]), HumanTime(d["startTime"]), HumanTime(d["endTime"]), d["job_name"])
		},
	}
}

func addLeadNote() *Definition {
	return &Definition{
		Type:          AddLeadNote,
		Description:   "Attach a note to a lead",
		Triggers:      []string{"add a note to the lead", "add a lead note", "add note to lead", "note on the lead", "lead note"},
		PersistAction: "lead.add_note",
		Source:        "builtin",
		Steps: []Step{
			{ID: "lead_name", Action: ActionAsk, Field: "lead_name", Question: "Which lead is the note for?", Transform: TrimTransform, Validate: Required("lead"),
				SkipIf: func(d Data) bool { return d["lead_id"] != "" || d["lead_name"] != "" }, Aliases: []string{"lead"}},
			{ID: "note", Action: ActionAsk, Field: "note", Question: "What should the note say?", Transform: TrimTransform, Validate: Required("note")},
			{ID: "confirm", Action: ActionConfirm, Question: "Should I add it?"},
			{ID: "open-leads", Action: ActionNavigate, Target: "/leads", Optional: true, SkipIf: absent("lead_id")},
			{ID: "open-note", Action: ActionClick, Target: `[data-fasto-lead-id="${lead_id}"] [data-fasto-action="add-lead-note"]`, Optional: true, SkipIf: absent("lead_id")},
			{ID: "fill-note", Action: ActionFill, Target: "field:note", Field: "note", Optional: true, Needs: []string{"open-note"}},
			{ID: "save", Action: ActionClick, Target: "action:save-note", Optional: true, Commit: true, Needs: []string{"fill-note"}},
		},
		Summary: func(d Data) string {
			who := d["lead_name"]
			if who == "" {
				who = "that lead"
			}
			return fmt.Sprintf("I'll add a note to %s saying %q.", who, d["note"])
		},
	}
}

func createWorkOrder() *Definition {
	return &Definition{
		Type:          CreateWorkOrder,
		Description:   "Open a work order under a project",
		Triggers:      []string{"create a work order", "new work order", "open a work order", "add a work order", "create work order", "service ticket"},
		PersistAction: "work_order.create",
		Source:        "builtin",
		Steps: []Step{
			{ID: "open-work-orders", Action: ActionNavigate, Target: "/projects", Tab: "work-orders", SpeakText: "Okay, a new work order.", Optional: true},
			{ID: "title", Action: ActionAsk, Field: "title", Question: "What's the work order for?", Transform: TrimTransform, Validate: Required("description"), SkipIf: present("title"), Aliases: []string{"description", "work"}},
			{ID: "project", Action: ActionAsk, Field: "project", Question: "Which project is it under? Say skip if there isn't one.", Transform: OptionalTransform, SkipIf: present("project")},
			{ID: "priority", Action: ActionAsk, Field: "priority", Question: "How urgent is it: low, normal, high or urgent?", Transform: PriorityTransform, SkipIf: present("priority")},
			{ID: "due_date", Action: ActionAsk, Field: "due_date", Question: "When does it need to be done?", Transform: DateTransform, Aliases: []string{"due", "deadline", "date"}},
			{ID: "confirm", Action: ActionConfirm, Question: "Should I create it?"},
			{ID: "open-form", Action: ActionClick, Target: "action:work-order-create", Optional: true},
			{ID: "fill-title", Action: ActionFill, Target: "field:title", Field: "title", Optional: true, Needs: []string{"open-form"}},
			{ID: "select-project", Action: ActionSelect, Target: "field:project", Field: "project", Optional: true, Needs: []string{"fill-title"}, SkipIf: absent("project")},
			{ID: "select-priority", Action: ActionSelect, Target: "field:priority", Field: "priority", Optional: true, Needs: []string{"fill-title"}},
			{ID: "fill-due", Action: ActionFill, Target: "field:due_date", Field: "due_date", Optional: true, Needs: []string{"select-priority"}},
			{ID: "save", Action: ActionClick, Target: "action:save-work-order", Optional: true, Commit: true, Needs: []string{"fill-due"}},
		},
		Summary: func(d Data) string {
			var b strings.Builder
			fmt.Fprintf(&b, "I'll create a %s priority work order for %s", d["priority"], d["title"])
			if d["project"] != "" {
				fmt.Fprintf(&b, " under %s", d["project"])
			}
			fmt.Fprintf(&b, ", due %s.", HumanDate(d["due_date"]))
			return b.String()
		},
	}
}

func createLead() *Definition {
	return &Definition{
		Type:          CreateLead,
		Description:   "Add a new sales lead",
		Triggers:      []string{"create a lead", "new lead", "add a lead", "add lead", "create lead"},
		PersistAction: "lead.create",
		Source:        "builtin",
		Steps: []Step{
			{ID: "open-leads", Action: ActionNavigate, Target: "/leads", Optional: true},
			{ID: "name", Action: ActionAsk, Field: "name", Question: "What's the customer's name?", Transform: TrimTransform, Validate: Required("name"), SkipIf: present("name"), Aliases: []string{"customer", "customer name"}},
			{ID: "phone", Action: ActionAsk, Field: "phone", Question: "What's the best phone number?", Transform: PhoneTransform, Aliases: []string{"number", "phone number"}},
			{ID: "address", Action: ActionAsk, Field: "address", Question: "What's the property address?", Transform: TrimTransform, Validate: Required("address")},
			{ID: "confirm", Action: ActionConfirm, Question: "Should I add the lead?"},
			{ID: "open-form", Action: ActionClick, Target: "action:lead-create", Optional: true},
			{ID: "fill-name", Action: ActionFill, Target: "field:name", Field: "name", Optional: true, Needs: []string{"open-form"}},
			{ID: "fill-phone", Action: ActionFill, Target: "field:phone", Field: "phone", Optional: true, Needs: []string{"fill-name"}},
			{ID: "fill-address", Action: ActionFill, Target: "field:address", Field: "address", Optional: true, Needs: []string{"fill-phone"}},
			{ID: "save", Action: ActionClick, Target: "action:save-lead", Optional: true, Commit: true, Needs: []string{"fill-address"}},
		},
		Summary: func(d Data) string {
			return fmt.Sprintf("I'll add %s at %s, phone %s.", d["name"], d["address"], d["phone"])
		},
	}
}

func logExpense() *Definition {
	return &Definition{
		Type:          LogExpense,
		Description:   "Record a job expense",
		Triggers:      []string{"log an expense", "log expense", "add an expense", "new expense", "record an expense", "i bought"},
		PersistAction: "expense.create",
		Source:        "builtin",
		Steps: []Step{
			{ID: "amount", Action: ActionAsk, Field: "amount", Question: "How much was it?", Transform: MoneyTransform, SkipIf: present("amount"), Aliases: []string{"cost", "total"}},
			{ID: "description", Action: ActionAsk, Field: "description", Question: "What was it for?", Transform: TrimTransform, Validate: Required("description"), SkipIf: present("description")},
			{ID: "category", Action: ActionAsk, Field: "category", Question: "Which category: materials, fuel, tools, or other?", Transform: Choice("materials", "fuel", "tools", "other")},
			{ID: "date", Action: ActionAsk, Field: "date", Question: "What day was the purchase?", Transform: DateTransform, SkipIf: present("date")},
			{ID: "confirm", Action: ActionConfirm, Question: "Should I log it?"},
			{ID: "open-expenses", Action: ActionNavigate, Target: "/expenses", Optional: true},
			{ID: "open-form", Action: ActionClick, Target: "action:expense-create", Optional: true, Needs: []string{"open-expenses"}},
			{ID: "fill-amount", Action: ActionFill, Target: "field:amount", Field: "amount", Optional: true, Needs: []string{"open-form"}},
			{ID: "fill-description", Action: ActionFill, Target: "field:description", Field: "description", Optional: true, Needs: []string{"fill-amount"}},
			{ID: "select-category", Action: ActionSelect, Target: "field:category", Field: "category", Optional: true, Needs: []string{"fill-description"}},
			{ID: "fill-date", Action: ActionFill, Target: "field:date", Field: "date", Optional: true, Needs: []string{"select-category"}},
			{ID: "save", Action: ActionClick, Target: "action:save-expense", Optional: true, Commit: true, Needs: []string{"fill-date"}},
		},
		Summary: func(d Data) string {
			return fmt.Sprintf("I'll log $%s for %s under %s on %s.", d["amount"], d["description"], d["category"], HumanDate(d["date"]))
		},
	}
}
