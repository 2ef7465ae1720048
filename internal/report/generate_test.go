package report

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type mockGenerator struct {
	requests    []GenerateRequest
	result      GenerateResult
	generateErr error
}

func (m *mockGenerator) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	m.requests = append(m.requests, req)
	if m.generateErr != nil {
		return GenerateResult{}, m.generateErr
	}
	return m.result, nil
}

// addCompleteItem creates an item that passes validation in both modes
func addCompleteItem(store *Store, description string) ExpenseItem {
	item := store.CreateItem()
	Expect(store.UpdateItemField(item.ID, FieldDescription, description)).To(Succeed())
	Expect(store.SetRecipientType(item.ID, RecipientNamedA)).To(Succeed())
	Expect(store.UpdateItemField(item.ID, FieldCountryCode, "KAZ")).To(Succeed())
	Expect(store.UpdateItemField(item.ID, FieldManagerName, "Manager")).To(Succeed())
	_, err := store.AttachReceipt(item.ID, Receipt{ID: description, Amount: 1000, State: StateReconciled})
	Expect(err).NotTo(HaveOccurred())
	got, _ := store.Item(item.ID)
	return got
}

var _ = Describe("GenerateReport", func() {
	var (
		store     *Store
		generator *mockGenerator
		opts      GenerateOptions
		result    GenerateResult
		err       error
	)

	BeforeEach(func() {
		store = newTestStore(NewMemoryPreviews())
		generator = &mockGenerator{result: GenerateResult{DownloadURL: "http://backend/download/report.docx"}}
		opts = GenerateOptions{Language: LanguageDefault}
	})

	JustBeforeEach(func() {
		result, err = GenerateReport(context.Background(), store, generator, opts)
	})

	When("there are no items", func() {
		It("should return ErrNoItems", func() {
			Expect(errors.Is(err, ErrNoItems)).To(BeTrue())
			Expect(generator.requests).To(BeEmpty())
		})
	})

	When("every item is complete", func() {
		BeforeEach(func() {
			addCompleteItem(store, "Dinner")
			addCompleteItem(store, "Taxi")
			Expect(store.SetReportPeriod(2024, 3)).To(Succeed())
		})

		It("should return the download URL", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.DownloadURL).To(Equal("http://backend/download/report.docx"))
		})

		It("should send every item with the period", func() {
			Expect(generator.requests).To(HaveLen(1))
			req := generator.requests[0]
			Expect(req.Items).To(HaveLen(2))
			Expect(req.Language).To(Equal(LanguageDefault))
			Expect(*req.ReportYear).To(Equal(2024))
			Expect(*req.ReportMonth).To(Equal(3))
		})

		It("should leave out the translation flag in the default mode", func() {
			Expect(generator.requests[0].NaturalTranslation).To(BeNil())
		})

		When("the alternate mode is requested", func() {
			BeforeEach(func() {
				opts = GenerateOptions{Language: LanguageAlt, NaturalTranslation: true}
			})

			It("should send the translation flag", func() {
				Expect(generator.requests[0].NaturalTranslation).NotTo(BeNil())
				Expect(*generator.requests[0].NaturalTranslation).To(BeTrue())
			})
		})

		When("the generator rejects the report", func() {
			BeforeEach(func() {
				generator.generateErr = &GenerationError{Errors: []string{"item 1: bad account"}}
			})

			It("should return the structured rejection", func() {
				var genErr *GenerationError
				Expect(errors.As(err, &genErr)).To(BeTrue())
				Expect(genErr.Errors).To(ConsistOf("item 1: bad account"))
			})
		})
	})

	When("an item is incomplete", func() {
		var broken ExpenseItem

		BeforeEach(func() {
			addCompleteItem(store, "Dinner")
			broken = store.CreateItem()
			addCompleteItem(store, "Taxi")
		})

		It("should abort without calling the generator", func() {
			Expect(generator.requests).To(BeEmpty())
		})

		It("should return the full violation list for the first failing item", func() {
			var validationErr *ValidationError
			Expect(errors.As(err, &validationErr)).To(BeTrue())
			Expect(validationErr.ItemID).To(Equal(broken.ID))
			Expect(validationErr.Index).To(Equal(1))
			Expect(validationErr.Violations).To(Equal([]string{
				"description is required",
				"at least one receipt is required",
				"recipient name is required",
				"bank name is required",
				"account number is required",
			}))
		})

		It("should select the failing item", func() {
			id, ok := store.Selected()
			Expect(ok).To(BeTrue())
			Expect(id).To(Equal(broken.ID))
		})
	})
})
