package report

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"regexp"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/expense-report/internal/ocr"
)

var anyPath = regexp.MustCompile(`.*`)

var _ = Describe("Server", func() {
	var (
		previews    *MemoryPreviews
		store       *Store
		uploader    *mockUploader
		recognizer  *mockRecognizer
		generator   *mockGenerator
		advisories  *AdvisoryLog
		auth        BasicAuth
		server      *Server
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		pipeline := NewPipelineWithDeps(store, uploader, recognizer, advisories, nopObserver{}, &sequentialIDs{}, &fixedTimeSource{now: testNow})
		server = NewServerWithMux(ServerDeps{
			Store:      store,
			Pipeline:   pipeline,
			Generator:  generator,
			Advisories: advisories,
			Previews:   previews,
		}, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"} {
			ghttpServer.RouteToHandler(method, anyPath, server.ServeHTTP)
		}
	}

	BeforeEach(func() {
		previews = NewMemoryPreviews()
		store = newTestStore(previews)
		uploader = newMockUploader()
		recognizer = newMockRecognizer()
		generator = &mockGenerator{result: GenerateResult{DownloadURL: "http://backend/d/report.docx"}}
		advisories = NewAdvisoryLog(0)
		auth = BasicAuth{}
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	do := func(method, path string, body io.Reader) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response, v any) {
		defer resp.Body.Close()
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
			setupServer()
		})

		It("should reject requests without credentials", func() {
			resp := do("GET", "/api/items", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("should accept valid credentials", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/items", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:secret")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should answer preflight requests without credentials", func() {
			resp := do("OPTIONS", "/api/items", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("request ids", func() {
		It("should echo a supplied id", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/state", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set(RequestIDHeader, "abc-123")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.Header.Get(RequestIDHeader)).To(Equal("abc-123"))
		})

		It("should generate one when missing", func() {
			resp := do("GET", "/api/state", nil)
			resp.Body.Close()
			Expect(resp.Header.Get(RequestIDHeader)).NotTo(BeEmpty())
		})
	})

	Describe("state", func() {
		It("should keep live previews that persistence would blank", func() {
			item := store.CreateItem()
			preview := previews.Create([]byte("jpeg-bytes"), "image/jpeg")
			_, err := store.AttachReceipt(item.ID, Receipt{ID: "r1", Preview: preview, State: StatePlaceholder})
			Expect(err).NotTo(HaveOccurred())

			var snap Snapshot
			decode(do("GET", "/api/state", nil), &snap)
			Expect(snap.Items).To(HaveLen(1))
			Expect(snap.Items[0].Receipts[0].Preview).To(Equal(preview))
			Expect(IsEphemeral(snap.Items[0].Receipts[0].Preview)).To(BeTrue())
			Expect(store.Snapshot().Sanitized().Items[0].Receipts[0].Preview).To(BeEmpty())
		})
	})

	Describe("items", func() {
		It("should create and list items", func() {
			resp := do("POST", "/api/items", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var created ExpenseItem
			decode(resp, &created)
			Expect(created.ID).To(Equal(1))
			Expect(created.Date).To(Equal("2024-03-15"))

			var items []ExpenseItem
			decode(do("GET", "/api/items", nil), &items)
			Expect(items).To(HaveLen(1))
		})

		It("should return 404 for unknown items", func() {
			resp := do("GET", "/api/items/9", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should return 400 for non-numeric ids", func() {
			resp := do("GET", "/api/items/abc", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should update a field", func() {
			store.CreateItem()
			resp := do("PATCH", "/api/items/1", strings.NewReader(`{"field":"description","value":"Taxi"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var item ExpenseItem
			decode(resp, &item)
			Expect(item.Description).To(Equal("Taxi"))
		})

		It("should refuse to set the total", func() {
			store.CreateItem()
			resp := do("PATCH", "/api/items/1", strings.NewReader(`{"field":"totalAmount","value":"100"}`))
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should set the recipient type", func() {
			store.CreateItem()
			resp := do("PUT", "/api/items/1/recipient", strings.NewReader(`{"recipientType":"NAMED_B"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var item ExpenseItem
			decode(resp, &item)
			Expect(item.Bank).To(Equal("K"))
		})

		It("should select an item", func() {
			store.CreateItem()
			resp := do("POST", "/api/items/1/select", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			id, _ := store.Selected()
			Expect(id).To(Equal(1))
		})

		When("deleting", func() {
			BeforeEach(func() {
				store.CreateItem()
			})

			It("should require confirmation", func() {
				resp := do("DELETE", "/api/items/1", nil)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusPreconditionRequired))
				Expect(store.Items()).To(HaveLen(1))
			})

			It("should delete when confirmed", func() {
				resp := do("DELETE", "/api/items/1?confirm=true", nil)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
				Expect(store.Items()).To(BeEmpty())
			})
		})
	})

	Describe("GET /api/items/{id}/validation", func() {
		BeforeEach(func() {
			store.CreateItem()
		})

		It("should list violations for the requested mode", func() {
			var body struct {
				Complete   bool     `json:"complete"`
				Violations []string `json:"violations"`
			}
			decode(do("GET", "/api/items/1/validation?language=ru", nil), &body)
			Expect(body.Complete).To(BeFalse())
			Expect(body.Violations).To(ContainElement("country code is required"))
			Expect(body.Violations).NotTo(ContainElement("recipient name is required"))
		})
	})

	Describe("POST /api/items/{id}/receipts", func() {
		upload := func(parts map[string]string) *http.Response {
			var buf bytes.Buffer
			mw := multipart.NewWriter(&buf)
			for name, contentType := range parts {
				h := make(textproto.MIMEHeader)
				h.Set("Content-Disposition", `form-data; name="files"; filename="`+name+`"`)
				h.Set("Content-Type", contentType)
				part, err := mw.CreatePart(h)
				Expect(err).NotTo(HaveOccurred())
				_, _ = part.Write([]byte("image-bytes"))
			}
			Expect(mw.Close()).To(Succeed())
			req, err := http.NewRequest("POST", ghttpServer.URL()+"/api/items/1/receipts", &buf)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", mw.FormDataContentType())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		BeforeEach(func() {
			store.CreateItem()
			recognizer.responses["stored_r1.jpg"] = ocr.Response{"amount": 4200, "date": "2024-03-09"}
		})

		It("should accept images and reconcile them in the background", func() {
			resp := upload(map[string]string{"r1.jpg": "image/jpeg"})
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			var body struct {
				Receipts []Receipt `json:"receipts"`
			}
			decode(resp, &body)
			Expect(body.Receipts).To(HaveLen(1))
			Expect(IsEphemeral(body.Receipts[0].Preview)).To(BeTrue())

			Eventually(func() int {
				item, _ := store.Item(1)
				return item.TotalAmount
			}).Should(Equal(4200))
		})

		It("should reject selections without images", func() {
			resp := upload(map[string]string{"notes.txt": "text/plain"})
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			item, _ := store.Item(1)
			Expect(item.Receipts).To(BeEmpty())
		})
	})

	Describe("receipts", func() {
		BeforeEach(func() {
			store.CreateItem()
			_, _ = store.AttachReceipt(1, Receipt{ID: "a", Amount: 100})
		})

		It("should update a receipt field", func() {
			resp := do("PATCH", "/api/items/1/receipts/a", strings.NewReader(`{"field":"amount","value":"2,500"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var item ExpenseItem
			decode(resp, &item)
			Expect(item.TotalAmount).To(Equal(2500))
		})

		It("should remove a receipt", func() {
			resp := do("DELETE", "/api/items/1/receipts/a", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			item, _ := store.Item(1)
			Expect(item.Receipts).To(BeEmpty())
		})

		It("should return 404 for unknown receipts", func() {
			resp := do("DELETE", "/api/items/1/receipts/zzz", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("POST /api/reset", func() {
		BeforeEach(func() {
			store.CreateItem()
		})

		It("should require confirmation", func() {
			resp := do("POST", "/api/reset", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusPreconditionRequired))
		})

		It("should clear the report when confirmed", func() {
			resp := do("POST", "/api/reset?confirm=true", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(store.Items()).To(BeEmpty())
		})
	})

	Describe("PUT /api/report-period", func() {
		It("should reject invalid months", func() {
			resp := do("PUT", "/api/report-period", strings.NewReader(`{"year":2024,"month":14}`))
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /api/generate", func() {
		When("an item is incomplete", func() {
			BeforeEach(func() {
				store.CreateItem()
			})

			It("should return the violations", func() {
				resp := do("POST", "/api/generate", strings.NewReader(`{"language":"ko"}`))
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
				var body struct {
					ItemID     int      `json:"itemId"`
					Violations []string `json:"violations"`
				}
				decode(resp, &body)
				Expect(body.ItemID).To(Equal(1))
				Expect(body.Violations).To(ContainElement("description is required"))
			})
		})

		When("every item is complete", func() {
			BeforeEach(func() {
				addCompleteItem(store, "Dinner")
			})

			It("should return the download URL", func() {
				resp := do("POST", "/api/generate", strings.NewReader(`{"language":"ko"}`))
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var result GenerateResult
				decode(resp, &result)
				Expect(result.DownloadURL).To(Equal("http://backend/d/report.docx"))
			})

			It("should raise an advisory when the generator fails", func() {
				generator.generateErr = io.ErrUnexpectedEOF
				resp := do("POST", "/api/generate", nil)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
				Expect(advisories.Recent()).To(HaveLen(1))
			})
		})
	})

	Describe("GET /previews/{ref}", func() {
		It("should serve ephemeral preview bytes", func() {
			ref := previews.Create([]byte("png-data"), "image/png")
			resp := do("GET", "/previews/"+ref, nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal("png-data"))
		})

		It("should return 404 for released previews", func() {
			ref := previews.Create([]byte("x"), "image/png")
			previews.Release(ref)
			resp := do("GET", "/previews/"+ref, nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})
	Describe("mounted handlers", func() {
		var mounted *Server

		BeforeEach(func() {
			fixed := func(body string) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					_, _ = io.WriteString(w, body+":"+r.URL.Path)
				})
			}
			mounted = NewServer(ServerDeps{
				Store:     store,
				Uploads:   fixed("uploads"),
				Downloads: fixed("downloads"),
				Metrics:   fixed("metrics"),
			}, BasicAuth{})
		})

		DescribeTable("serving",
			func(path, expected string) {
				rec := httptest.NewRecorder()
				mounted.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
				Expect(rec.Code).To(Equal(http.StatusOK))
				Expect(rec.Body.String()).To(Equal(expected))
			},
			Entry("stored receipts", "/uploads/a.jpg", "uploads:a.jpg"),
			Entry("generated documents", "/downloads/report.xlsx", "downloads:report.xlsx"),
			Entry("metrics", "/metrics", "metrics:/metrics"),
		)

		It("should not mount handlers that are not configured", func() {
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, httptest.NewRequest("GET", "/downloads/report.xlsx", nil))
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})
})
