package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/stvlynn/easyreceipt/internal/config"
	"github.com/stvlynn/easyreceipt/internal/document"
	"github.com/stvlynn/easyreceipt/internal/extraction"
	"github.com/stvlynn/easyreceipt/internal/pipeline"
	"github.com/stvlynn/easyreceipt/internal/submission"
)

var _ = Describe("Integration", func() {
	var (
		dify     *ghttp.Server
		feishu   *ghttp.Server
		ghServer *ghttp.Server
		history  *pipeline.BoltHistory
		err      error
	)

	BeforeEach(func() {
		dify = ghttp.NewServer()
		feishu = ghttp.NewServer()

		history, err = pipeline.NewBoltHistory(filepath.Join(GinkgoT().TempDir(), "history.db"))
		Expect(err).NotTo(HaveOccurred())

		settings := config.Settings{
			Extraction: config.Extraction{BaseURL: dify.URL(), APIKey: "app-key"},
			Submission: config.Submission{
				APIKey:   "t-key",
				AppToken: "app",
				TableIDs: map[document.Kind]string{document.TrainTicket: "tbl-train"},
			},
		}.WithDefaults()

		client := &http.Client{Timeout: 5 * time.Second}
		p := pipeline.New(
			extraction.NewDifyWithClient(settings.Extraction, client, nil),
			submission.NewFeishuWithDeps(settings.Submission, feishu.URL(), client, nil),
			history,
		)
		server := New(p, BasicAuth{})

		ghServer = ghttp.NewServer()
		// scan, submit, then list runs
		ghServer.AppendHandlers(server.ServeHTTP, server.ServeHTTP, server.ServeHTTP)
	})

	AfterEach(func() {
		ghServer.Close()
		dify.Close()
		feishu.Close()
		history.Close()
	})

	It("should scan a train ticket, submit the reviewed fields and record both runs", func() {
		dify.AppendHandlers(
			ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/v1/files/upload"),
				ghttp.RespondWith(http.StatusOK, `{"id":"f9"}`),
			),
			ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/v1/workflows/run"),
				ghttp.VerifyJSON(`{
					"inputs": {
						"file": {"transfer_method": "local_file", "upload_file_id": "f9", "type": "image"},
						"type": "TrainTicket"
					},
					"response_mode": "blocking",
					"user": "ios-train-user"
				}`),
				ghttp.RespondWith(http.StatusOK, `{
					"task_id": "t1",
					"workflow_run_id": "wr9",
					"data": {
						"id": "wr9",
						"status": "succeeded",
						"outputs": {"TrainNum":"G1","DepartureDate":"2024/02/01","Departure":"Beijing","Destination":"Shanghai","Price":553,"ID":"1101","Name":"Zhang San"},
						"total_tokens": 420
					}
				}`),
			),
		)
		feishu.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest(http.MethodPost, "/open-apis/bitable/v1/apps/app/tables/tbl-train/records/batch_create"),
			ghttp.VerifyHeaderKV("Authorization", "Bearer t-key"),
			ghttp.VerifyJSON(`{"records":[{"fields":{
				"TrainNum":"G1","DepartureDate":"2024/02/01","Departure":"Beijing","Destination":"Shanghai",
				"Price":553,"ID":"1101","Name":"Li Si"
			}}]}`),
			ghttp.RespondWith(http.StatusOK, `{"code":0,"msg":"success"}`),
		))

		// --- Step 1: scan ---
		body, contentType := imageForm("ticket.jpg", "image/jpeg", []byte{0xff, 0xd8, 0xff, 0xe0})
		resp, err := http.Post(ghServer.URL()+"/api/documents/TrainTicket/scan", contentType, body)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var scanned struct {
			RunID  string         `json:"run_id"`
			Fields map[string]any `json:"fields"`
		}
		dec := json.NewDecoder(resp.Body)
		dec.UseNumber()
		Expect(dec.Decode(&scanned)).To(Succeed())
		Expect(scanned.Fields).To(HaveKeyWithValue("Price", json.Number("553")))

		// --- Step 2: the user corrects a field and submits ---
		scanned.Fields["Name"] = "Li Si"
		payload, _ := json.Marshal(map[string]any{"fields": scanned.Fields})
		submitResp, err := http.Post(ghServer.URL()+"/api/documents/TrainTicket", "application/json", bytes.NewReader(payload))
		Expect(err).NotTo(HaveOccurred())
		defer submitResp.Body.Close()
		Expect(submitResp.StatusCode).To(Equal(http.StatusCreated))

		var submitted pipeline.Submission
		Expect(json.NewDecoder(submitResp.Body).Decode(&submitted)).To(Succeed())
		Expect(submitted.RunID).NotTo(Equal(scanned.RunID))

		// --- Step 3: both runs are in the history, without field values ---
		runsResp, err := http.Get(ghServer.URL() + "/api/runs")
		Expect(err).NotTo(HaveOccurred())
		defer runsResp.Body.Close()
		var runs []*pipeline.Run
		Expect(json.NewDecoder(runsResp.Body).Decode(&runs)).To(Succeed())
		Expect(runs).To(HaveLen(2))

		scanRun, err := history.Get(scanned.RunID)
		Expect(err).NotTo(HaveOccurred())
		Expect(scanRun.State).To(Equal(pipeline.StateAwaitingReview))
		Expect(scanRun.WorkflowRunID).To(Equal("wr9"))
		Expect(scanRun.TotalTokens).To(Equal(420))

		submitRun, err := history.Get(submitted.RunID)
		Expect(err).NotTo(HaveOccurred())
		Expect(submitRun.State).To(Equal(pipeline.StateDone))

		Expect(dify.ReceivedRequests()).To(HaveLen(2))
		Expect(feishu.ReceivedRequests()).To(HaveLen(1))
	})
})
