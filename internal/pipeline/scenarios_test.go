package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/stvlynn/easyreceipt/internal/config"
	"github.com/stvlynn/easyreceipt/internal/document"
	"github.com/stvlynn/easyreceipt/internal/extraction"
	"github.com/stvlynn/easyreceipt/internal/submission"
)

func workflowResponse(outputs map[string]any) string {
	out, _ := json.Marshal(outputs)
	return `{"task_id":"t1","workflow_run_id":"wr1","data":{"id":"wr1","workflow_id":"wf1","status":"succeeded","outputs":` +
		string(out) + `,"error":null,"elapsed_time":1.2,"total_tokens":300,"total_steps":3,"created_at":1705300000,"finished_at":1705300001}}`
}

var _ = Describe("Pipeline against fake services", func() {
	var (
		dify      *ghttp.Server
		feishu    *ghttp.Server
		difyURL   string
		feishuURL string
		settings  config.Settings
		p         *Pipeline
		ctx       context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		dify = ghttp.NewServer()
		feishu = ghttp.NewServer()
		difyURL = dify.URL()
		feishuURL = feishu.URL()
		settings = config.Settings{
			Extraction: config.Extraction{BaseURL: difyURL, APIKey: "app-key"},
			Submission: config.Submission{
				APIKey:   "t-key",
				AppToken: "app",
				TableIDs: map[document.Kind]string{
					document.DeliveryReceipt: "tbl-delivery",
					document.TrainTicket:     "tbl-train",
				},
			},
		}.WithDefaults()
	})

	JustBeforeEach(func() {
		client := &http.Client{Timeout: 5 * time.Second}
		p = New(
			extraction.NewDifyWithClient(settings.Extraction, client, nil),
			submission.NewFeishuWithDeps(settings.Submission, feishuURL, client, nil),
			nil,
		)
	})

	AfterEach(func() {
		dify.Close()
		feishu.Close()
	})

	uploadOK := ghttp.CombineHandlers(
		ghttp.VerifyRequest(http.MethodPost, "/v1/files/upload"),
		ghttp.RespondWith(http.StatusOK, `{"id":"f1","name":"receipt.jpg"}`),
	)

	It("returns valid delivery receipt outputs unchanged", func() {
		fields := deliveryFields()
		dify.AppendHandlers(uploadOK, ghttp.CombineHandlers(
			ghttp.VerifyRequest(http.MethodPost, "/v1/workflows/run"),
			ghttp.RespondWith(http.StatusOK, workflowResponse(fields)),
		))

		result, err := p.Process(ctx, document.ExtractionRequest{Image: jpegImage, Kind: document.DeliveryReceipt})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Record.Fields).To(Equal(fields))
		Expect(dify.ReceivedRequests()).To(HaveLen(2))
	})

	It("rejects a dashed HandOverDate", func() {
		fields := deliveryFields()
		fields["HandOverDate"] = "2024-01-15"
		dify.AppendHandlers(uploadOK, ghttp.RespondWith(http.StatusOK, workflowResponse(fields)))

		_, err := p.Process(ctx, document.ExtractionRequest{Image: jpegImage, Kind: document.DeliveryReceipt})
		Expect(err).To(MatchError(&document.Error{Kind: document.InvalidDateFormat, Field: "HandOverDate"}))
	})

	Context("when the train table is not configured", func() {
		BeforeEach(func() {
			delete(settings.Submission.TableIDs, document.TrainTicket)
		})

		It("fails with ConfigurationMissing and sends nothing", func() {
			_, err := p.Submit(ctx, &document.Record{Kind: document.TrainTicket, Fields: map[string]any{"Name": "Li"}})
			Expect(document.KindOf(err)).To(Equal(document.ConfigurationMissing))
			Expect(feishu.ReceivedRequests()).To(BeEmpty())
			Expect(dify.ReceivedRequests()).To(BeEmpty())
		})
	})

	It("surfaces the table's error message", func() {
		feishu.AppendHandlers(ghttp.RespondWith(http.StatusBadRequest, `{"msg":"field not found"}`))

		_, err := p.Submit(ctx, &document.Record{Kind: document.DeliveryReceipt, Fields: deliveryFields()})
		Expect(err).To(MatchError(&document.Error{Kind: document.APIError}))
		Expect(Message(err)).To(Equal("API error: field not found"))
	})

	Context("when the extraction service is unreachable", func() {
		BeforeEach(func() {
			dify.Close()
		})

		It("fails with TransportError before any workflow call", func() {
			_, err := p.Process(ctx, document.ExtractionRequest{Image: jpegImage, Kind: document.DeliveryReceipt})
			Expect(document.KindOf(err)).To(Equal(document.TransportError))
		})
	})

	It("submits the reviewed field map verbatim", func() {
		var sent map[string]any
		fields := deliveryFields()
		dify.AppendHandlers(uploadOK, ghttp.RespondWith(http.StatusOK, workflowResponse(fields)))
		feishu.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest(http.MethodPost, "/open-apis/bitable/v1/apps/app/tables/tbl-delivery/records/batch_create"),
			func(w http.ResponseWriter, r *http.Request) {
				defer GinkgoRecover()
				dec := json.NewDecoder(r.Body)
				dec.UseNumber()
				var body struct {
					Records []struct {
						Fields map[string]any `json:"fields"`
					} `json:"records"`
				}
				Expect(dec.Decode(&body)).To(Succeed())
				Expect(body.Records).To(HaveLen(1))
				sent = body.Records[0].Fields
			},
			ghttp.RespondWith(http.StatusOK, `{"code":0,"msg":"success"}`),
		))

		extracted, err := p.Process(ctx, document.ExtractionRequest{Image: jpegImage, Kind: document.DeliveryReceipt})
		Expect(err).NotTo(HaveOccurred())
		_, err = p.Submit(ctx, extracted.Record)
		Expect(err).NotTo(HaveOccurred())

		Expect(sent).To(HaveLen(len(fields)))
		for name, value := range fields {
			if n, ok := value.(int64); ok {
				Expect(sent[name]).To(Equal(json.Number(strconv.FormatInt(n, 10))))
				continue
			}
			Expect(sent[name]).To(Equal(value), name)
		}
	})
})
