package report

import "strings"

// rule returns the violations one completeness rule finds in an item
type rule func(item ExpenseItem, mode LanguageMode) []string

// rules are evaluated in this order by both IsComplete and Validate
var rules = []rule{
	requireDescription,
	requireDate,
	requireRecipientType,
	requireAltContact,
	requireReceipt,
	requireFirstReceipt,
	requireOtherPayee,
}

// IsComplete reports whether item satisfies every rule for mode
func IsComplete(item ExpenseItem, mode LanguageMode) bool {
	for _, r := range rules {
		if len(r(item, mode)) > 0 {
			return false
		}
	}
	return true
}

// Validate returns every rule violation for mode, in rule order
func Validate(item ExpenseItem, mode LanguageMode) []string {
	var violations []string
	for _, r := range rules {
		violations = append(violations, r(item, mode)...)
	}
	return violations
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func requireDescription(item ExpenseItem, _ LanguageMode) []string {
	if blank(item.Description) {
		return []string{"description is required"}
	}
	return nil
}

func requireDate(item ExpenseItem, _ LanguageMode) []string {
	if blank(item.Date) {
		return []string{"payment date is required"}
	}
	return nil
}

func requireRecipientType(item ExpenseItem, mode LanguageMode) []string {
	if mode == LanguageDefault && !item.RecipientType.Valid() {
		return []string{"recipient type is required"}
	}
	return nil
}

func requireAltContact(item ExpenseItem, mode LanguageMode) []string {
	if mode != LanguageAlt {
		return nil
	}
	var out []string
	if blank(item.CountryCode) {
		out = append(out, "country code is required")
	}
	if blank(item.ManagerName) {
		out = append(out, "manager name is required")
	}
	return out
}

func requireReceipt(item ExpenseItem, _ LanguageMode) []string {
	if len(item.Receipts) == 0 {
		return []string{"at least one receipt is required"}
	}
	return nil
}

func requireFirstReceipt(item ExpenseItem, _ LanguageMode) []string {
	if len(item.Receipts) == 0 {
		return nil
	}
	first := item.Receipts[0]
	var out []string
	if blank(first.Date) {
		out = append(out, "first receipt date is required")
	}
	if first.Amount == 0 {
		out = append(out, "first receipt amount is required")
	}
	return out
}

func requireOtherPayee(item ExpenseItem, mode LanguageMode) []string {
	if mode != LanguageDefault || item.RecipientType != RecipientOther {
		return nil
	}
	var out []string
	if blank(item.Recipient) {
		out = append(out, "recipient name is required")
	}
	if blank(item.Bank) {
		out = append(out, "bank name is required")
	}
	if blank(item.Account) {
		out = append(out, "account number is required")
	}
	return out
}
