package handlers

import (
	"fasto-agent/internal/bus"
	"fasto-agent/internal/contextstore"
)

// DefaultProfiles describes the back-office application's entity screens.
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Kind: contextstore.KindLead, Label: "lead", Route: "/leads", NameField: "name",
			SelectFields: []string{"status", "source"},
			CreateAction: "lead-create", EditAction: "edit-lead", NoteAction: "add-lead-note",
			SaveAction: "save-lead", Dialog: "lead-form",
		},
		{
			Kind: contextstore.KindProject, Label: "project", Route: "/projects", NameField: "name",
			SelectFields: []string{"status"},
			CreateAction: "project-create", EditAction: "edit-project", NoteAction: "add-project-note",
			SaveAction: "save-project", Dialog: "project-form",
		},
		{
			Kind: contextstore.KindInvoice, Label: "invoice", Route: "/invoices", NameField: "title",
			SelectFields: []string{"status"},
			CreateAction: "invoice-create", EditAction: "edit-invoice", NoteAction: "add-invoice-note",
			SaveAction: "save-invoice", Dialog: "invoice-form",
		},
		{
			Kind: contextstore.KindSchedule, Label: "shift", Route: "/schedule", NameField: "job_name",
			SelectFields: []string{"crew", "status"},
			CreateAction: "shift-create", EditAction: "edit-shift",
			SaveAction: "save-shift", Dialog: "new-shift",
		},
		{
			Kind: contextstore.KindWorkOrder, Label: "work order", Route: "/projects?tab=work-orders", NameField: "title",
			SelectFields: []string{"status", "priority"},
			CreateAction: "work-order-create", EditAction: "edit-work-order", NoteAction: "add-work-order-note",
			SaveAction: "save-work-order", Dialog: "work-order-form",
		},
		{
			Kind: contextstore.KindExpense, Label: "expense", Route: "/expenses", NameField: "description",
			SelectFields: []string{"category"},
			CreateAction: "expense-create", EditAction: "edit-expense",
			SaveAction: "save-expense", Dialog: "expense-form",
		},
		{
			Kind: contextstore.KindPayment, Label: "payment", Route: "/invoices?tab=payments", NameField: "description",
			SelectFields: []string{"method", "status"},
			CreateAction: "payment-create", EditAction: "edit-payment",
			SaveAction: "save-payment", Dialog: "payment-form",
		},
	}
}

// RegisterAll registers one EntityHandler per profile and returns a function
// that unregisters them all.
func RegisterAll(b *bus.Bus, deps Deps, profiles ...Profile) func() {
	if len(profiles) == 0 {
		profiles = DefaultProfiles()
	}
	unregister := make([]func(), 0, len(profiles))
	for _, s := range profiles {
		unregister = append(unregister, b.Register(NewEntityHandler(s, deps)))
	}
	return func() {
		for _, u := range unregister {
			u()
		}
	}
}
