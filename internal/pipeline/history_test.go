package pipeline

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stvlynn/easyreceipt/internal/document"
)

var _ = Describe("BoltHistory", func() {
	var (
		history *BoltHistory
		dbPath  string
		base    time.Time
	)

	BeforeEach(func() {
		dbPath = filepath.Join(GinkgoT().TempDir(), "history.db")
		var err error
		history, err = NewBoltHistory(dbPath)
		Expect(err).NotTo(HaveOccurred())
		base = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	})

	AfterEach(func() {
		if history != nil {
			history.Close()
		}
	})

	newRun := func(id string, startedAt time.Time) *Run {
		return &Run{
			ID:        id,
			Kind:      document.DeliveryReceipt,
			Operation: OperationProcess,
			State:     StateAwaitingReview,
			Transitions: []Transition{
				{State: StateIdle, At: startedAt},
				{State: StateAwaitingReview, At: startedAt.Add(time.Second)},
			},
			WorkflowRunID: "wr-" + id,
			TotalTokens:   100,
			StartedAt:     startedAt,
			FinishedAt:    startedAt.Add(time.Second),
		}
	}

	It("should create the runs bucket on open", func() {
		runs, err := history.List()
		Expect(err).NotTo(HaveOccurred())
		Expect(runs).To(BeEmpty())
	})

	It("should store and retrieve a run", func() {
		Expect(history.Append(newRun("a", base))).To(Succeed())

		run, err := history.Get("a")
		Expect(err).NotTo(HaveOccurred())
		Expect(run.WorkflowRunID).To(Equal("wr-a"))
		Expect(run.State).To(Equal(StateAwaitingReview))
		Expect(run.Transitions).To(HaveLen(2))
		Expect(run.StartedAt.Equal(base)).To(BeTrue())
	})

	It("should replace a run with the same id", func() {
		run := newRun("a", base)
		Expect(history.Append(run)).To(Succeed())
		run.State = StateFailed
		run.ErrorKind = document.DecodeError
		Expect(history.Append(run)).To(Succeed())

		runs, err := history.List()
		Expect(err).NotTo(HaveOccurred())
		Expect(runs).To(HaveLen(1))
		Expect(runs[0].ErrorKind).To(Equal(document.DecodeError))
	})

	It("should list the most recent run first", func() {
		Expect(history.Append(newRun("old", base))).To(Succeed())
		Expect(history.Append(newRun("new", base.Add(time.Hour)))).To(Succeed())
		Expect(history.Append(newRun("mid", base.Add(time.Minute)))).To(Succeed())

		runs, err := history.List()
		Expect(err).NotTo(HaveOccurred())
		ids := []string{runs[0].ID, runs[1].ID, runs[2].ID}
		Expect(ids).To(Equal([]string{"new", "mid", "old"}))
	})

	It("should return ErrRunNotFound for an unknown id", func() {
		_, err := history.Get("missing")
		Expect(err).To(MatchError(ErrRunNotFound))
	})

	It("should persist runs across reopen", func() {
		Expect(history.Append(newRun("a", base))).To(Succeed())
		Expect(history.Close()).To(Succeed())

		var err error
		history, err = NewBoltHistory(dbPath)
		Expect(err).NotTo(HaveOccurred())
		_, err = history.Get("a")
		Expect(err).NotTo(HaveOccurred())
	})

	It("should fail to open a path in a missing directory", func() {
		_, err := NewBoltHistory(filepath.Join(GinkgoT().TempDir(), "nope", "history.db"))
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("NopHistory", func() {
	It("should accept and forget runs", func() {
		var h History = NopHistory{}
		Expect(h.Append(&Run{ID: "a"})).To(Succeed())
		runs, err := h.List()
		Expect(err).NotTo(HaveOccurred())
		Expect(runs).To(BeEmpty())
		_, err = h.Get("a")
		Expect(err).To(MatchError(ErrRunNotFound))
	})
})
