package receipt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"regexp"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-splitter/internal/scanning"
	"github.com/zombor/receipt-splitter/internal/split"
)

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		scanner     *mockScanner
		service     *Service
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server = NewServerWithMux(service, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`.*`), server.ServeHTTP)
		}
	}

	do := func(method, path string, body any) (*http.Response, []byte) {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			Expect(err).NotTo(HaveOccurred())
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequest(method, ghttpServer.URL()+path, reader)
		Expect(err).NotTo(HaveOccurred())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return resp, respBody
	}

	decodeReceipt := func(body []byte) receiptResponse {
		var r receiptResponse
		Expect(json.Unmarshal(body, &r)).To(Succeed())
		return r
	}

	errorMessage := func(body []byte) string {
		var e map[string]string
		Expect(json.Unmarshal(body, &e)).To(Succeed())
		return e["error"]
	}

	upload := func(filename string, data []byte) (*http.Response, []byte) {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		part, err := writer.CreateFormFile("file", filename)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		resp, err := http.Post(ghttpServer.URL()+"/api/receipts", writer.FormDataContentType(), &buf)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return resp, body
	}

	createManual := func() receiptResponse {
		resp, body := do("POST", "/api/receipts/manual", map[string]string{"title": "Lunch"})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		return decodeReceipt(body)
	}

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		scanner = newMockScanner()
		service = NewService(db, scanner, storage, 0)
		auth = BasicAuth{}
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	Describe("handleIndex", func() {
		It("serves the HTML interface", func() {
			resp, body := do("GET", "/", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/html; charset=utf-8"))
			Expect(string(body)).To(ContainSubstring("Receipt Splitter"))
		})

		It("rejects other methods", func() {
			resp, _ := do("POST", "/", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
		})

		It("does not serve unknown paths", func() {
			resp, _ := do("GET", "/nope", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("static files", func() {
		It("serves the stylesheet", func() {
			resp, _ := do("GET", "/static/app.css", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/css"))
		})

		It("serves the script", func() {
			resp, body := do("GET", "/static/app.js", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/javascript; charset=utf-8"))
			Expect(string(body)).To(ContainSubstring("/api/receipts"))
		})
	})

	Describe("CORS", func() {
		It("answers preflight requests", func() {
			resp, _ := do("OPTIONS", "/api/receipts/abc/items/1", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PATCH"))
		})

		It("sets headers on errors", func() {
			resp, _ := do("GET", "/api/receipts/missing", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "user", Password: "secret"}
			setupServer()
		})

		It("rejects requests without credentials", func() {
			resp, _ := do("GET", "/api/receipts", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("rejects wrong credentials", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/receipts", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("user", "wrong")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("accepts the configured credentials", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/receipts", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("user", "secret")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("handleUploadReceipt", func() {
		When("the scan succeeds", func() {
			It("opens a session with the scanned items", func() {
				resp, body := upload("dinner.png", []byte("png data"))
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))

				r := decodeReceipt(body)
				Expect(r.Title).To(Equal("dinner"))
				Expect(r.Source).To(Equal(SourceScan))
				Expect(r.HasImage).To(BeTrue())
				Expect(r.Participants).To(Equal(4))
				Expect(r.Items).To(HaveLen(2))
				Expect(r.Items[0].Amount).To(Equal(20.0))
				Expect(r.Items[0].Weights).To(Equal([]int{0, 0, 0, 0}))
				Expect(r.Shares.DeclaredTotal).To(Equal(24.5))
				Expect(r.Shares.Unallocated).To(Equal(24.5))
			})

			It("derives the content type from the extension", func() {
				upload("dinner.PNG", []byte("png data"))
				Expect(scanner.contentType).To(Equal("image/png"))
			})
		})

		When("no file is provided", func() {
			It("returns bad request", func() {
				var buf bytes.Buffer
				writer := multipart.NewWriter(&buf)
				Expect(writer.WriteField("other", "value")).To(Succeed())
				Expect(writer.Close()).To(Succeed())

				resp, err := http.Post(ghttpServer.URL()+"/api/receipts", writer.FormDataContentType(), &buf)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				body, _ := io.ReadAll(resp.Body)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(errorMessage(body)).To(ContainSubstring("No file was selected"))
			})
		})

		When("the body is not a form", func() {
			It("returns bad request", func() {
				resp, _ := do("POST", "/api/receipts", map[string]string{"file": "nope"})
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the file is empty", func() {
			It("returns bad request", func() {
				resp, _ := upload("empty.jpg", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the scanner fails", func() {
			BeforeEach(func() {
				scanner.scanErr = fmt.Errorf("%w: exit status 2", scanning.ErrUpstreamFailure)
			})

			It("returns bad gateway", func() {
				resp, body := upload("dinner.jpg", []byte("jpg"))
				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
				Expect(errorMessage(body)).To(ContainSubstring("OCR processing failed"))
			})

			It("does not open a session", func() {
				upload("dinner.jpg", []byte("jpg"))
				Expect(db.receipts).To(BeEmpty())
			})
		})

		When("the scanner times out", func() {
			BeforeEach(func() {
				scanner.scanErr = fmt.Errorf("%w: after 30s", scanning.ErrUpstreamTimeout)
			})

			It("returns gateway timeout", func() {
				resp, _ := upload("dinner.jpg", []byte("jpg"))
				Expect(resp.StatusCode).To(Equal(http.StatusGatewayTimeout))
			})
		})

		When("no items are extracted", func() {
			BeforeEach(func() {
				scanner.receiptData = &scanning.ReceiptData{}
			})

			It("returns unprocessable entity", func() {
				resp, body := upload("dinner.jpg", []byte("jpg"))
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
				Expect(errorMessage(body)).To(ContainSubstring("No items"))
			})
		})
	})

	Describe("handleCreateManualReceipt", func() {
		It("opens an empty session", func() {
			r := createManual()
			Expect(r.Title).To(Equal("Lunch"))
			Expect(r.Source).To(Equal(SourceManual))
			Expect(r.HasImage).To(BeFalse())
			Expect(r.Items).To(BeEmpty())
			Expect(r.Shares.PerPerson).To(Equal([]float64{0, 0, 0, 0}))
		})

		It("accepts an empty body", func() {
			resp, body := do("POST", "/api/receipts/manual", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(decodeReceipt(body).Title).To(Equal("Manual receipt"))
		})
	})

	Describe("handleImportReceipt", func() {
		It("opens a session from the state", func() {
			resp, body := do("POST", "/api/receipts/import", map[string]any{
				"title": "Imported",
				"state": json.RawMessage(`{"participants":2,"items":[{"id":3,"name":"Wine","amount":30,"weights":[1,1]}],"declaredTotal":30}`),
			})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			r := decodeReceipt(body)
			Expect(r.Participants).To(Equal(2))
			Expect(r.Items[0].ID).To(BeEquivalentTo(3))
			Expect(r.Shares.PerPerson).To(Equal([]float64{15, 15}))
		})

		It("rejects invalid state", func() {
			resp, _ := do("POST", "/api/receipts/import", map[string]any{
				"state": json.RawMessage(`{"participants":2,"items":[{"name":"Wine","amount":30,"weights":[-1,1]}]}`),
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("requires a state", func() {
			resp, body := do("POST", "/api/receipts/import", map[string]any{"title": "x"})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(errorMessage(body)).To(Equal("Missing state"))
		})
	})

	Describe("handleListReceipts", func() {
		It("returns summaries of every receipt", func() {
			createManual()
			createManual()

			resp, body := do("GET", "/api/receipts", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
			var summaries []receiptSummary
			Expect(json.Unmarshal(body, &summaries)).To(Succeed())
			Expect(summaries).To(HaveLen(2))
		})

		It("returns an empty array when there are none", func() {
			_, body := do("GET", "/api/receipts", nil)
			Expect(string(body)).To(MatchJSON(`[]`))
		})
	})

	Describe("editing a receipt", func() {
		var id string

		BeforeEach(func() {
			id = createManual().ID
			resp, _ := do("POST", "/api/receipts/"+id+"/items", map[string]any{"name": "Pizza", "amount": 18.00})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			resp, _ = do("POST", "/api/receipts/"+id+"/items", map[string]any{"name": "Salad", "amount": 9.00})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		})

		It("toggles participants and reports shares", func() {
			resp, body := do("POST", "/api/receipts/"+id+"/items/1/toggle/0", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decodeReceipt(body).Items[0].Weights).To(Equal([]int{1, 0, 0, 0}))

			do("POST", "/api/receipts/"+id+"/items/1/toggle/1", nil)
			do("POST", "/api/receipts/"+id+"/items/1/toggle/2", nil)

			resp, body = do("GET", "/api/receipts/"+id+"/shares", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var shares sharesResponse
			Expect(json.Unmarshal(body, &shares)).To(Succeed())
			Expect(shares.PerPerson).To(Equal([]float64{6, 6, 6, 0}))
			Expect(shares.Unallocated).To(Equal(9.0))
			Expect(shares.GrandTotal).To(Equal(27.0))
		})

		It("sets weights", func() {
			do("PUT", "/api/receipts/"+id+"/items/2/weights/0", map[string]int{"weight": 2})
			resp, body := do("PUT", "/api/receipts/"+id+"/items/2/weights/3", map[string]int{"weight": 1})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decodeReceipt(body).Shares.PerPerson).To(Equal([]float64{6, 0, 0, 3}))
		})

		It("sets a participant on every item", func() {
			resp, body := do("PUT", "/api/receipts/"+id+"/participants/2", map[string]int{"weight": 1})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decodeReceipt(body).Shares.PerPerson).To(Equal([]float64{0, 0, 27, 0}))
		})

		It("edits items", func() {
			resp, body := do("PATCH", "/api/receipts/"+id+"/items/2", map[string]any{"name": "Caesar", "amount": 11.5})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			item := decodeReceipt(body).Items[1]
			Expect(item.Name).To(Equal("Caesar"))
			Expect(item.Amount).To(Equal(11.5))
		})

		It("removes items", func() {
			resp, body := do("DELETE", "/api/receipts/"+id+"/items/1", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			r := decodeReceipt(body)
			Expect(r.Items).To(HaveLen(1))
			Expect(r.Items[0].Name).To(Equal("Salad"))
		})

		It("sets the declared total and reports drift", func() {
			resp, body := do("PUT", "/api/receipts/"+id+"/total", map[string]float64{"total": 30})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			shares := decodeReceipt(body).Shares
			Expect(shares.DeclaredTotal).To(Equal(30.0))
			Expect(shares.Drift).To(Equal(-3.0))
		})

		It("resets every weight", func() {
			do("PUT", "/api/receipts/"+id+"/participants/0", map[string]int{"weight": 1})
			resp, body := do("POST", "/api/receipts/"+id+"/reset", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decodeReceipt(body).Shares.Unallocated).To(Equal(27.0))
		})

		It("returns the receipt", func() {
			resp, body := do("GET", "/api/receipts/"+id, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decodeReceipt(body).Items).To(HaveLen(2))
		})

		DescribeTable("rejects invalid edits",
			func(method, path string, body any, status int) {
				resp, respBody := do(method, fmt.Sprintf(path, id), body)
				Expect(resp.StatusCode).To(Equal(status))
				Expect(errorMessage(respBody)).NotTo(BeEmpty())
			},
			Entry("participant out of range", "POST", "/api/receipts/%s/items/1/toggle/4", nil, http.StatusBadRequest),
			Entry("negative weight", "PUT", "/api/receipts/%s/items/1/weights/0", map[string]int{"weight": -1}, http.StatusBadRequest),
			Entry("weight above the maximum", "PUT", "/api/receipts/%s/items/1/weights/0", map[string]int{"weight": math.MaxInt}, http.StatusBadRequest),
			Entry("select-all weight above the maximum", "PUT", "/api/receipts/%s/participants/0", map[string]int{"weight": split.MaxWeight + 1}, http.StatusBadRequest),
			Entry("missing weight", "PUT", "/api/receipts/%s/participants/0", map[string]int{}, http.StatusBadRequest),
			Entry("unknown item", "POST", "/api/receipts/%s/items/99/toggle/0", nil, http.StatusNotFound),
			Entry("non-numeric item", "PATCH", "/api/receipts/%s/items/abc", map[string]string{"name": "x"}, http.StatusBadRequest),
			Entry("missing amount", "POST", "/api/receipts/%s/items", map[string]string{"name": "x"}, http.StatusBadRequest),
			Entry("missing total", "PUT", "/api/receipts/%s/total", map[string]string{}, http.StatusBadRequest),
		)

		It("rejects malformed bodies", func() {
			req, err := http.NewRequest("PUT", ghttpServer.URL()+"/api/receipts/"+id+"/total", bytes.NewBufferString("{"))
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("leaves the receipt unchanged after a rejected edit", func() {
			do("POST", "/api/receipts/"+id+"/items/1/toggle/7", nil)
			_, body := do("GET", "/api/receipts/"+id, nil)
			Expect(decodeReceipt(body).Items[0].Weights).To(Equal([]int{0, 0, 0, 0}))
		})

		It("exports a document that imports again", func() {
			do("POST", "/api/receipts/"+id+"/items/2/toggle/1", nil)

			resp, exported := do("GET", "/api/receipts/"+id+"/export", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring("attachment"))

			resp, body := do("POST", "/api/receipts/import", map[string]any{"state": json.RawMessage(exported)})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(decodeReceipt(body).Shares.PerPerson).To(Equal([]float64{0, 9, 0, 0}))
		})

		It("deletes the receipt", func() {
			resp, _ := do("DELETE", "/api/receipts/"+id, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			resp, _ = do("GET", "/api/receipts/"+id, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("has no image", func() {
			resp, _ := do("GET", "/api/receipts/"+id+"/file", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("unknown receipts", func() {
		DescribeTable("return not found",
			func(method, path string, body any) {
				resp, _ := do(method, path, body)
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			},
			Entry("get", "GET", "/api/receipts/missing", nil),
			Entry("shares", "GET", "/api/receipts/missing/shares", nil),
			Entry("export", "GET", "/api/receipts/missing/export", nil),
			Entry("delete", "DELETE", "/api/receipts/missing", nil),
			Entry("toggle", "POST", "/api/receipts/missing/items/1/toggle/0", nil),
			Entry("reset", "POST", "/api/receipts/missing/reset", nil),
		)
	})

	Describe("handleGetReceiptFile", func() {
		It("returns the uploaded image", func() {
			_, body := upload("dinner.png", []byte("png data"))
			id := decodeReceipt(body).ID

			resp, data := do("GET", "/api/receipts/"+id+"/file", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			Expect(data).To(Equal([]byte("png data")))
		})
	})

	Describe("metrics", func() {
		It("exposes the scan histogram", func() {
			upload("dinner.png", []byte("png data"))

			resp, body := do("GET", "/metrics", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(string(body)).To(ContainSubstring("receipt_splitter_scan_duration_seconds"))
			Expect(string(body)).To(ContainSubstring(`receipt_splitter_scans_total{outcome="ok"}`))
		})
	})
})
