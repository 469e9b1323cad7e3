package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/ggoodman/tool-gateway/apierr"
	"github.com/ggoodman/tool-gateway/permissions"
	"github.com/ggoodman/tool-gateway/registry"
)

type Contact struct {
	ContactID     string `json:"ContactID,omitempty"`
	Name          string `json:"Name,omitempty"`
	EmailAddress  string `json:"EmailAddress,omitempty"`
	ContactStatus string `json:"ContactStatus,omitempty"`
}

type LineItem struct {
	Description string  `json:"Description"`
	Quantity    float64 `json:"Quantity"`
	UnitAmount  float64 `json:"UnitAmount"`
	AccountCode string  `json:"AccountCode,omitempty"`
}

type Invoice struct {
	InvoiceID     string     `json:"InvoiceID,omitempty"`
	InvoiceNumber string     `json:"InvoiceNumber,omitempty"`
	Type          string     `json:"Type,omitempty"`
	Status        string     `json:"Status,omitempty"`
	Reference     string     `json:"Reference,omitempty"`
	Date          string     `json:"Date,omitempty"`
	DueDate       string     `json:"DueDate,omitempty"`
	Contact       *Contact   `json:"Contact,omitempty"`
	LineItems     []LineItem `json:"LineItems,omitempty"`
	Total         float64    `json:"Total,omitempty"`
	AmountDue     float64    `json:"AmountDue,omitempty"`
}

type Account struct {
	AccountID string `json:"AccountID"`
	Code      string `json:"Code,omitempty"`
	Name      string `json:"Name"`
	Type      string `json:"Type,omitempty"`
	Status    string `json:"Status,omitempty"`
}

type invoicesEnvelope struct {
	Invoices []Invoice `json:"Invoices"`
}

type contactsEnvelope struct {
	Contacts []Contact `json:"Contacts"`
}

type accountsEnvelope struct {
	Accounts []Account `json:"Accounts"`
}

// Invoice statuses written by the catalog.
const (
	statusDraft      = "DRAFT"
	statusAuthorised = "AUTHORISED"
	statusVoided     = "VOIDED"
	statusDeleted    = "DELETED"
)

const dateLayout = "2006-01-02"

type listInvoicesArgs struct {
	Status    string `json:"status,omitempty" jsonschema:"description=Only invoices in this status,enum=DRAFT,enum=SUBMITTED,enum=AUTHORISED,enum=PAID,enum=VOIDED,enum=DELETED"`
	ContactID string `json:"contactId,omitempty" jsonschema:"description=Only invoices addressed to this contact"`
	Page      int    `json:"page,omitempty" jsonschema:"description=Result page starting at 1"`
}

type invoiceIDArgs struct {
	InvoiceID string `json:"invoiceId" jsonschema:"description=The invoice id"`
}

type listContactsArgs struct {
	Search string `json:"search,omitempty" jsonschema:"description=Match against name and email"`
	Page   int    `json:"page,omitempty" jsonschema:"description=Result page starting at 1"`
}

type contactIDArgs struct {
	ContactID string `json:"contactId" jsonschema:"description=The contact id"`
}

type noArgs struct{}

type profitAndLossArgs struct {
	FromDate string `json:"fromDate" jsonschema:"description=First day of the period (YYYY-MM-DD),format=date"`
	ToDate   string `json:"toDate" jsonschema:"description=Last day of the period (YYYY-MM-DD),format=date"`
}

type balanceSheetArgs struct {
	Date string `json:"date" jsonschema:"description=Report date (YYYY-MM-DD),format=date"`
}

type lineArgs struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitAmount  float64 `json:"unitAmount"`
	AccountCode string  `json:"accountCode,omitempty"`
}

type createInvoiceArgs struct {
	ContactID string     `json:"contactId" jsonschema:"description=Contact the invoice is addressed to"`
	Lines     []lineArgs `json:"lines" jsonschema:"description=Invoice lines"`
	Reference string     `json:"reference,omitempty"`
	DueDate   string     `json:"dueDate,omitempty" jsonschema:"description=Due date (YYYY-MM-DD),format=date"`
}

type createContactArgs struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type updateContactArgs struct {
	ContactID string `json:"contactId"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
}

func accountingOps(d Deps) []registry.Operation {
	a := &accounting{deps: d}
	invoiceID := func(x invoiceIDArgs) string { return x.InvoiceID }
	invoiceBefore := func(ctx context.Context, inv registry.Invocation, x invoiceIDArgs) (any, error) {
		return a.getInvoice(ctx, inv, x)
	}
	return []registry.Operation{
		registry.NewOperation("list_invoices", CategoryAccounting, "List sales invoices, optionally filtered by status or contact.", a.listInvoices,
			registry.WithLevel(permissions.LevelReadOnly, GroupInvoices)),
		registry.NewOperation("get_invoice", CategoryAccounting, "Get one invoice with its lines.", a.getInvoiceOp,
			registry.WithLevel(permissions.LevelReadOnly, GroupInvoices)),
		registry.NewOperation("list_contacts", CategoryAccounting, "List or search contacts.", a.listContacts,
			registry.WithLevel(permissions.LevelReadOnly, GroupContacts)),
		registry.NewOperation("get_contact", CategoryAccounting, "Get one contact.", a.getContactOp,
			registry.WithLevel(permissions.LevelReadOnly, GroupContacts)),
		registry.NewOperation("list_accounts", CategoryAccounting, "List the chart of accounts.", a.listAccounts,
			registry.WithLevel(permissions.LevelReadOnly, GroupReports)),
		registry.NewOperation("get_profit_and_loss", CategoryAccounting, "Profit and loss report for a period.", a.profitAndLoss,
			registry.WithLevel(permissions.LevelReadOnly, GroupReports)),
		registry.NewOperation("get_balance_sheet", CategoryAccounting, "Balance sheet as at a date.", a.balanceSheet,
			registry.WithLevel(permissions.LevelReadOnly, GroupReports)),

		registry.NewOperation("create_draft_invoice", CategoryAccounting, "Create a draft sales invoice.", a.createDraftInvoice,
			registry.WithLevel(permissions.LevelCreateDraft, GroupInvoices), registry.WithEntity("invoice")),
		registry.NewOperation("create_contact", CategoryAccounting, "Create a contact.", a.createContact,
			registry.WithLevel(permissions.LevelCreateDraft, GroupContacts), registry.WithEntity("contact")),

		registry.NewOperation("approve_invoice", CategoryAccounting, "Approve a draft invoice so it can be sent and paid.",
			func(ctx context.Context, inv registry.Invocation, x invoiceIDArgs) (any, error) {
				return a.setInvoiceStatus(ctx, inv, x.InvoiceID, statusAuthorised)
			},
			registry.WithLevel(permissions.LevelApproveUpdate, GroupInvoices), registry.WithEntity("invoice"),
			registry.WithSnapshot(invoiceID, invoiceBefore)),
		registry.NewOperation("update_contact", CategoryAccounting, "Change a contact's name or email.", a.updateContact,
			registry.WithLevel(permissions.LevelApproveUpdate, GroupContacts), registry.WithEntity("contact"),
			registry.WithSnapshot(func(x updateContactArgs) string { return x.ContactID },
				func(ctx context.Context, inv registry.Invocation, x updateContactArgs) (any, error) {
					return a.getContact(ctx, inv, x.ContactID)
				})),

		registry.NewOperation("void_invoice", CategoryAccounting, "Void an approved invoice.",
			func(ctx context.Context, inv registry.Invocation, x invoiceIDArgs) (any, error) {
				return a.setInvoiceStatus(ctx, inv, x.InvoiceID, statusVoided)
			},
			registry.WithLevel(permissions.LevelDeleteVoid, GroupInvoices), registry.WithEntity("invoice"),
			registry.WithSnapshot(invoiceID, invoiceBefore)),
		registry.NewOperation("delete_draft_invoice", CategoryAccounting, "Delete a draft invoice.", a.deleteDraftInvoice,
			registry.WithLevel(permissions.LevelDeleteVoid, GroupInvoices), registry.WithEntity("invoice"),
			registry.WithSnapshot(invoiceID, invoiceBefore)),
	}
}

type accounting struct {
	deps Deps
}

func (a *accounting) listInvoices(ctx context.Context, inv registry.Invocation, x listInvoicesArgs) (any, error) {
	c, err := a.deps.Upstream.GetClient(ctx, inv.UserID)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	if x.Status != "" {
		q.Set("Statuses", x.Status)
	}
	if x.ContactID != "" {
		q.Set("ContactIDs", x.ContactID)
	}
	if x.Page > 0 {
		q.Set("page", strconv.Itoa(x.Page))
	}
	var out invoicesEnvelope
	if err := c.Get(ctx, "Invoices", q, &out); err != nil {
		return nil, err
	}
	return map[string]any{"invoices": nonNil(out.Invoices)}, nil
}

func (a *accounting) getInvoiceOp(ctx context.Context, inv registry.Invocation, x invoiceIDArgs) (any, error) {
	return a.getInvoice(ctx, inv, x)
}

func (a *accounting) getInvoice(ctx context.Context, inv registry.Invocation, x invoiceIDArgs) (Invoice, error) {
	c, err := a.deps.Upstream.GetClient(ctx, inv.UserID)
	if err != nil {
		return Invoice{}, err
	}
	var out invoicesEnvelope
	if err := c.Get(ctx, "Invoices/"+url.PathEscape(x.InvoiceID), nil, &out); err != nil {
		return Invoice{}, err
	}
	if len(out.Invoices) == 0 {
		return Invoice{}, apierr.NotFound("invoice", x.InvoiceID)
	}
	return out.Invoices[0], nil
}

func (a *accounting) listContacts(ctx context.Context, inv registry.Invocation, x listContactsArgs) (any, error) {
	c, err := a.deps.Upstream.GetClient(ctx, inv.UserID)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	if x.Search != "" {
		q.Set("searchTerm", x.Search)
	}
	if x.Page > 0 {
		q.Set("page", strconv.Itoa(x.Page))
	}
	var out contactsEnvelope
	if err := c.Get(ctx, "Contacts", q, &out); err != nil {
		return nil, err
	}
	return map[string]any{"contacts": nonNil(out.Contacts)}, nil
}

func (a *accounting) getContactOp(ctx context.Context, inv registry.Invocation, x contactIDArgs) (any, error) {
	return a.getContact(ctx, inv, x.ContactID)
}

func (a *accounting) getContact(ctx context.Context, inv registry.Invocation, id string) (Contact, error) {
	c, err := a.deps.Upstream.GetClient(ctx, inv.UserID)
	if err != nil {
		return Contact{}, err
	}
	var out contactsEnvelope
	if err := c.Get(ctx, "Contacts/"+url.PathEscape(id), nil, &out); err != nil {
		return Contact{}, err
	}
	if len(out.Contacts) == 0 {
		return Contact{}, apierr.NotFound("contact", id)
	}
	return out.Contacts[0], nil
}

func (a *accounting) listAccounts(ctx context.Context, inv registry.Invocation, _ noArgs) (any, error) {
	c, err := a.deps.Upstream.GetClient(ctx, inv.UserID)
	if err != nil {
		return nil, err
	}
	var out accountsEnvelope
	if err := c.Get(ctx, "Accounts", nil, &out); err != nil {
		return nil, err
	}
	return map[string]any{"accounts": nonNil(out.Accounts)}, nil
}

func (a *accounting) profitAndLoss(ctx context.Context, inv registry.Invocation, x profitAndLossArgs) (any, error) {
	from, errFrom := parseDate("fromDate", x.FromDate)
	to, errTo := parseDate("toDate", x.ToDate)
	if fields := fieldErrors(errFrom, errTo); len(fields) > 0 {
		return nil, apierr.Validation("invalid report period", fields...)
	}
	if to.Before(from) {
		return nil, apierr.Validation("invalid report period", apierr.FieldError{Field: "toDate", Reason: "must not be before fromDate"})
	}
	c, err := a.deps.Upstream.GetClient(ctx, inv.UserID)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	q := url.Values{"fromDate": {x.FromDate}, "toDate": {x.ToDate}}
	if err := c.Get(ctx, "Reports/ProfitAndLoss", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *accounting) balanceSheet(ctx context.Context, inv registry.Invocation, x balanceSheetArgs) (any, error) {
	if _, err := parseDate("date", x.Date); err != nil {
		return nil, apierr.Validation("invalid report date", *err)
	}
	c, err := a.deps.Upstream.GetClient(ctx, inv.UserID)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	if err := c.Get(ctx, "Reports/BalanceSheet", url.Values{"date": {x.Date}}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *accounting) createDraftInvoice(ctx context.Context, inv registry.Invocation, x createInvoiceArgs) (any, error) {
	if len(x.Lines) == 0 {
		return nil, apierr.Validation("an invoice needs at least one line", apierr.FieldError{Field: "lines", Reason: "must not be empty"})
	}
	if x.DueDate != "" {
		if _, err := parseDate("dueDate", x.DueDate); err != nil {
			return nil, apierr.Validation("invalid due date", *err)
		}
	}
	c, err := a.deps.Upstream.GetClient(ctx, inv.UserID)
	if err != nil {
		return nil, err
	}
	draft := Invoice{
		Type:      "ACCREC",
		Status:    statusDraft,
		Reference: x.Reference,
		DueDate:   x.DueDate,
		Contact:   &Contact{ContactID: x.ContactID},
	}
	for _, l := range x.Lines {
		draft.LineItems = append(draft.LineItems, LineItem{
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitAmount:  l.UnitAmount,
			AccountCode: l.AccountCode,
		})
	}
	var out invoicesEnvelope
	if err := c.Post(ctx, "Invoices", invoicesEnvelope{Invoices: []Invoice{draft}}, &out); err != nil {
		return nil, err
	}
	return first(out.Invoices, "invoice")
}

func (a *accounting) createContact(ctx context.Context, inv registry.Invocation, x createContactArgs) (any, error) {
	if x.Name == "" {
		return nil, apierr.Validation("a contact needs a name", apierr.FieldError{Field: "name", Reason: "must not be empty"})
	}
	c, err := a.deps.Upstream.GetClient(ctx, inv.UserID)
	if err != nil {
		return nil, err
	}
	var out contactsEnvelope
	body := contactsEnvelope{Contacts: []Contact{{Name: x.Name, EmailAddress: x.Email}}}
	if err := c.Post(ctx, "Contacts", body, &out); err != nil {
		return nil, err
	}
	return first(out.Contacts, "contact")
}

func (a *accounting) updateContact(ctx context.Context, inv registry.Invocation, x updateContactArgs) (any, error) {
	if x.Name == "" && x.Email == "" {
		return nil, apierr.Validation("nothing to update",
			apierr.FieldError{Field: "name", Reason: "set name or email"},
			apierr.FieldError{Field: "email", Reason: "set name or email"})
	}
	c, err := a.deps.Upstream.GetClient(ctx, inv.UserID)
	if err != nil {
		return nil, err
	}
	var out contactsEnvelope
	body := contactsEnvelope{Contacts: []Contact{{ContactID: x.ContactID, Name: x.Name, EmailAddress: x.Email}}}
	if err := c.Post(ctx, "Contacts/"+url.PathEscape(x.ContactID), body, &out); err != nil {
		return nil, err
	}
	return first(out.Contacts, "contact")
}

func (a *accounting) deleteDraftInvoice(ctx context.Context, inv registry.Invocation, x invoiceIDArgs) (any, error) {
	current, err := a.getInvoice(ctx, inv, x)
	if err != nil {
		return nil, err
	}
	if current.Status != statusDraft {
		return nil, apierr.Validation("only draft invoices can be deleted",
			apierr.FieldError{Field: "invoiceId", Reason: "invoice is " + current.Status + "; void it instead"})
	}
	return a.setInvoiceStatus(ctx, inv, x.InvoiceID, statusDeleted)
}

func (a *accounting) setInvoiceStatus(ctx context.Context, inv registry.Invocation, id, status string) (Invoice, error) {
	c, err := a.deps.Upstream.GetClient(ctx, inv.UserID)
	if err != nil {
		return Invoice{}, err
	}
	var out invoicesEnvelope
	body := invoicesEnvelope{Invoices: []Invoice{{InvoiceID: id, Status: status}}}
	if err := c.Post(ctx, "Invoices/"+url.PathEscape(id), body, &out); err != nil {
		return Invoice{}, err
	}
	return first(out.Invoices, "invoice")
}

func parseDate(field, v string) (time.Time, *apierr.FieldError) {
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, &apierr.FieldError{Field: field, Reason: "must be a date formatted YYYY-MM-DD"}
	}
	return t, nil
}

func fieldErrors(errs ...*apierr.FieldError) []apierr.FieldError {
	var out []apierr.FieldError
	for _, e := range errs {
		if e != nil {
			out = append(out, *e)
		}
	}
	return out
}

func first[T any](items []T, what string) (T, error) {
	var zero T
	if len(items) == 0 {
		return zero, apierr.Internal(fmt.Errorf("provider returned no %s", what))
	}
	return items[0], nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
