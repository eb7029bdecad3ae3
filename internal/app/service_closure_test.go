package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"counsel/api/internal/store"
)

func TestRequestDocumentsValidation(t *testing.T) {
	st := engagedFixture()
	svc, _, _, _ := newTestService(st)
	ctx := context.Background()

	if _, err := svc.RequestDocuments(ctx, clientSession(), "req_1", RequestDocumentsInput{
		Documents: []DocumentRequestInput{{Title: "Charter"}},
	}); err == nil {
		t.Fatal("clients must not request documents")
	}

	_, err := svc.RequestDocuments(ctx, lawyerSession(), "req_1", RequestDocumentsInput{})
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 400 {
		t.Fatalf("empty list: err = %v, want 400", err)
	}

	_, err = svc.RequestDocuments(ctx, lawyerSession(), "req_1", RequestDocumentsInput{
		Documents: []DocumentRequestInput{{Title: "  "}},
	})
	if !errors.As(err, &derr) || derr.Status != 400 {
		t.Fatalf("blank title: err = %v, want 400", err)
	}
}

func TestRequestDocumentsParksRequest(t *testing.T) {
	lawyerID := "lawyer_1"
	st := engagedFixture()
	var requested []store.DocumentRequest
	st.RequestDocumentsTxFn = func(ctx context.Context, requestID, actorID string, docs []store.DocumentRequest) (store.Request, error) {
		requested = docs
		return store.Request{
			ID: requestID, Number: "REQ-2026-0200", ClientID: "client_1",
			AssignedLawyerID: &lawyerID, AcceptedByLawyer: true,
			Status: "documents_pending", DocumentsRequired: true,
		}, nil
	}
	svc, _, _, _ := newTestService(st)

	view, err := svc.RequestDocuments(context.Background(), lawyerSession(), "req_1", RequestDocumentsInput{
		Documents: []DocumentRequestInput{
			{Title: "Certificate of incorporation", Mandatory: true},
			{Title: "Board minutes", Description: "Most recent approval"},
		},
	})
	if err != nil {
		t.Fatalf("request documents: %v", err)
	}
	if len(requested) != 2 {
		t.Fatalf("docs sent to store = %d, want 2", len(requested))
	}
	if !requested[0].Mandatory || requested[1].Mandatory {
		t.Fatal("mandatory flags must carry through")
	}
	docs := view["documents"].([]map[string]any)
	if len(docs) != 2 || docs[0]["status"] != "pending" {
		t.Fatalf("view documents = %v", docs)
	}
	if notes := st.notificationsFor("client_1"); len(notes) != 1 {
		t.Fatalf("client notifications = %d, want 1", len(notes))
	}
}

func TestSubmitDocumentRejectsForeignDocRequest(t *testing.T) {
	st := engagedFixture()
	st.ListDocumentRequestsFn = func(ctx context.Context, requestID string) ([]store.DocumentRequest, error) {
		return []store.DocumentRequest{{ID: "doc_1", RequestID: requestID, Title: "Charter", Status: "pending"}}, nil
	}
	st.SubmitDocumentTxFn = func(ctx context.Context, id, objectKey, fileName, submittedBy string) (store.DocumentRequest, store.Request, bool, error) {
		t.Fatal("submit must not run for an unknown document request")
		return store.DocumentRequest{}, store.Request{}, false, nil
	}
	svc, _, _, _ := newTestService(st)

	_, err := svc.SubmitDocument(context.Background(), clientSession(), "req_1", "doc_other", "charter.pdf", "application/pdf", nil)
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 404 {
		t.Fatalf("err = %v, want 404", err)
	}
}

func TestSubmitDocumentAdvancesWhenMandatoryComplete(t *testing.T) {
	lawyerID := "lawyer_1"
	st := engagedFixture()
	st.ListDocumentRequestsFn = func(ctx context.Context, requestID string) ([]store.DocumentRequest, error) {
		return []store.DocumentRequest{{ID: "doc_1", RequestID: requestID, Title: "Charter", Mandatory: true, Status: "pending"}}, nil
	}
	st.SubmitDocumentTxFn = func(ctx context.Context, id, objectKey, fileName, submittedBy string) (store.DocumentRequest, store.Request, bool, error) {
		submittedAt := time.Now()
		doc := store.DocumentRequest{ID: id, RequestID: "req_1", Title: "Charter", Mandatory: true, Status: "submitted", FileName: fileName, SubmittedBy: submittedBy, SubmittedAt: &submittedAt}
		r := store.Request{ID: "req_1", Number: "REQ-2026-0200", ClientID: "client_1", AssignedLawyerID: &lawyerID, AcceptedByLawyer: true, Status: "in_review"}
		return doc, r, true, nil
	}
	svc, _, _, _ := newTestService(st)

	view, err := svc.SubmitDocument(context.Background(), clientSession(), "req_1", "doc_1", "charter.pdf", "application/pdf", nil)
	if err != nil {
		t.Fatalf("submit document: %v", err)
	}
	if view["advanced"] != true {
		t.Fatal("completing the last mandatory document must advance the request")
	}
	if notes := st.notificationsFor("lawyer_1"); len(notes) != 1 {
		t.Fatalf("lawyer notifications = %d, want 1", len(notes))
	}
}

func TestAskOpinionClarificationRequiresPublishedOpinion(t *testing.T) {
	st := engagedFixture()
	st.GetOpinionSubmissionForRequestFn = func(ctx context.Context, requestID, lawyerID string) (store.OpinionSubmission, error) {
		return store.OpinionSubmission{ID: "sub_1", RequestID: requestID, LawyerID: lawyerID}, nil
	}
	st.ListOpinionVersionsFn = func(ctx context.Context, id string) ([]store.OpinionVersion, error) {
		v := completeVersion("ver_1", 1)
		v.Status = "approved"
		return []store.OpinionVersion{v}, nil
	}
	svc, _, _, _ := newTestService(st)

	_, err := svc.AskOpinionClarification(context.Background(), clientSession(), "req_1", OpinionClarificationInput{
		Question: "Does the conclusion cover the guarantee as well?",
	})
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 404 {
		t.Fatalf("err = %v, want 404 before publication", err)
	}
}

func TestAskAndAnswerOpinionClarification(t *testing.T) {
	st := engagedFixture()
	st.GetOpinionSubmissionForRequestFn = func(ctx context.Context, requestID, lawyerID string) (store.OpinionSubmission, error) {
		return store.OpinionSubmission{ID: "sub_1", RequestID: requestID, LawyerID: lawyerID}, nil
	}
	st.ListOpinionVersionsFn = func(ctx context.Context, id string) ([]store.OpinionVersion, error) {
		v := completeVersion("ver_1", 1)
		v.Status = "published"
		return []store.OpinionVersion{v}, nil
	}
	answered := false
	st.AnswerOpinionClarificationFn = func(ctx context.Context, id, answer, answeredBy string) error {
		answered = true
		return nil
	}
	st.GetOpinionClarificationFn = func(ctx context.Context, id string) (store.OpinionClarification, error) {
		c := store.OpinionClarification{ID: id, RequestID: "req_1", VersionID: "ver_1", AskedBy: "client_1", Question: "Scope?", Status: "open"}
		if answered {
			now := time.Now()
			c.Status = "answered"
			c.Answer = "Yes, the guarantee is covered."
			c.AnsweredBy = "lawyer_1"
			c.AnsweredAt = &now
		}
		return c, nil
	}
	svc, _, _, _ := newTestService(st)
	ctx := context.Background()

	view, err := svc.AskOpinionClarification(ctx, clientSession(), "req_1", OpinionClarificationInput{
		Section:  "conclusion",
		Question: "Does the conclusion cover the guarantee as well?",
	})
	if err != nil {
		t.Fatalf("ask clarification: %v", err)
	}
	if view["status"] != "open" || view["versionId"] != "ver_1" {
		t.Fatalf("view = %v", view)
	}
	if notes := st.notificationsFor("lawyer_1"); len(notes) != 1 {
		t.Fatalf("lawyer notifications = %d, want 1", len(notes))
	}

	if _, err := svc.AnswerOpinionClarification(ctx, lawyerSession(), "ocl_1", AnswerClarificationInput{}); err == nil {
		t.Fatal("blank answers must be rejected")
	}
	got, err := svc.AnswerOpinionClarification(ctx, lawyerSession(), "ocl_1", AnswerClarificationInput{
		Answer: "Yes, the guarantee is covered.",
	})
	if err != nil {
		t.Fatalf("answer clarification: %v", err)
	}
	if got["status"] != "answered" {
		t.Fatalf("status = %v", got["status"])
	}
	if notes := st.notificationsFor("client_1"); len(notes) != 1 {
		t.Fatalf("client notifications = %d, want 1", len(notes))
	}
}

func TestCloseRequestBlocksOnOpenClarifications(t *testing.T) {
	st := engagedFixture()
	st.CountOpenOpinionClarificationsFn = func(ctx context.Context, requestID string) (int, error) {
		return 2, nil
	}
	svc, _, _, _ := newTestService(st)

	_, err := svc.CloseRequest(context.Background(), clientSession(), "req_1", CloseRequestInput{Reason: "done"})
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 409 {
		t.Fatalf("err = %v, want 409", err)
	}
	if derr.Details.(map[string]any)["openClarifications"] != 2 {
		t.Fatalf("details = %v", derr.Details)
	}
}

func TestCloseRequestValidatesRating(t *testing.T) {
	st := engagedFixture()
	svc, _, _, _ := newTestService(st)

	bad := 7
	_, err := svc.CloseRequest(context.Background(), clientSession(), "req_1", CloseRequestInput{Reason: "done", SatisfactionRating: &bad})
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 400 {
		t.Fatalf("err = %v, want 400", err)
	}
}

func TestCloseRequestRequiresReason(t *testing.T) {
	st := engagedFixture()
	st.CloseRequestTxFn = func(ctx context.Context, c store.RequestClosure) (store.RequestClosure, store.Request, bool, error) {
		t.Fatal("closure must not be written without a reason")
		return store.RequestClosure{}, store.Request{}, false, nil
	}
	svc, _, _, _ := newTestService(st)

	_, err := svc.CloseRequest(context.Background(), clientSession(), "req_1", CloseRequestInput{Reason: "   "})
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 400 || derr.Code != "VALIDATION" {
		t.Fatalf("err = %v, want 400 VALIDATION", err)
	}
}

func TestCloseRequestRecordsUnresolvedClarifications(t *testing.T) {
	st := engagedFixture()
	st.ListClarificationsFn = func(ctx context.Context, requestID string) ([]store.Clarification, error) {
		return []store.Clarification{
			{ID: "clr_1", RequestID: requestID, Status: "resolved"},
			{ID: "clr_2", RequestID: requestID, Status: "open"},
		}, nil
	}
	var written store.RequestClosure
	st.CloseRequestTxFn = func(ctx context.Context, c store.RequestClosure) (store.RequestClosure, store.Request, bool, error) {
		written = c
		lawyerID := "lawyer_1"
		closedAt := time.Now()
		r := store.Request{ID: c.RequestID, ClientID: "client_1", AssignedLawyerID: &lawyerID, Status: "completed", ClosedAt: &closedAt}
		return c, r, false, nil
	}
	svc, _, _, _ := newTestService(st)

	_, err := svc.CloseRequest(context.Background(), clientSession(), "req_1", CloseRequestInput{Reason: "No longer needed"})
	if err != nil {
		t.Fatalf("close request: %v", err)
	}
	if written.AllClarificationsResolved {
		t.Fatal("an open intake clarification must be recorded as unresolved")
	}
	if written.Reason != "No longer needed" {
		t.Fatalf("reason = %q", written.Reason)
	}
}

func TestCloseRequestVerifiesSignatureAndNotifies(t *testing.T) {
	lawyerID := "lawyer_1"
	deliveredAt := time.Now()
	st := engagedFixture()
	st.GetRequestFn = func(ctx context.Context, id string) (store.Request, error) {
		return store.Request{
			ID: "req_1", Number: "REQ-2026-0200", ClientID: "client_1",
			AssignedLawyerID: &lawyerID, AcceptedByLawyer: true,
			Status: "delivered", OpinionState: "published", DeliveredAt: &deliveredAt,
		}, nil
	}
	st.GetOpinionSubmissionForRequestFn = func(ctx context.Context, requestID, lawyerID string) (store.OpinionSubmission, error) {
		return store.OpinionSubmission{ID: "sub_1", RequestID: requestID, LawyerID: lawyerID}, nil
	}
	st.ListOpinionVersionsFn = func(ctx context.Context, id string) ([]store.OpinionVersion, error) {
		v := completeVersion("ver_1", 1)
		v.Status = "published"
		return []store.OpinionVersion{v}, nil
	}
	st.GetSignatureFn = func(ctx context.Context, id string) (store.DigitalSignature, error) {
		return store.DigitalSignature{ID: "sig_1", VersionID: id, ContentHash: "hash-v1", SignedAt: time.Now()}, nil
	}
	var written store.RequestClosure
	st.CloseRequestTxFn = func(ctx context.Context, c store.RequestClosure) (store.RequestClosure, store.Request, bool, error) {
		written = c
		closedAt := time.Now()
		r := store.Request{ID: c.RequestID, Number: "REQ-2026-0200", ClientID: "client_1", AssignedLawyerID: &lawyerID, Status: "completed", ClosedAt: &closedAt, DeliveredAt: &deliveredAt}
		return c, r, false, nil
	}
	svc, _, _, _ := newTestService(st)

	rating := 5
	view, err := svc.CloseRequest(context.Background(), clientSession(), "req_1", CloseRequestInput{
		Reason:             "Opinion received and reviewed",
		SatisfactionRating: &rating,
	})
	if err != nil {
		t.Fatalf("close request: %v", err)
	}
	if !written.SignatureVerified {
		t.Fatal("matching hashes must verify the signature")
	}
	if !written.OpinionDelivered {
		t.Fatal("delivery must be recorded on the closure")
	}
	if view["alreadyClosed"] != false {
		t.Fatal("first closure must not read as a repeat")
	}
	if notes := st.notificationsFor("lawyer_1"); len(notes) != 1 {
		t.Fatalf("lawyer notifications = %d, want 1", len(notes))
	}
}

func TestCloseRequestRepeatReturnsOriginalClosure(t *testing.T) {
	st := engagedFixture()
	st.CloseRequestTxFn = func(ctx context.Context, c store.RequestClosure) (store.RequestClosure, store.Request, bool, error) {
		lawyerID := "lawyer_1"
		closedAt := time.Now()
		original := store.RequestClosure{ID: "cls_original", RequestID: c.RequestID, ClosedBy: "client_1", CreatedAt: closedAt}
		r := store.Request{ID: c.RequestID, ClientID: "client_1", AssignedLawyerID: &lawyerID, Status: "completed", ClosedAt: &closedAt}
		return original, r, true, nil
	}
	svc, _, _, _ := newTestService(st)

	view, err := svc.CloseRequest(context.Background(), clientSession(), "req_1", CloseRequestInput{Reason: "done"})
	if err != nil {
		t.Fatalf("repeat close: %v", err)
	}
	if view["alreadyClosed"] != true {
		t.Fatal("repeat closure must be reported")
	}
	if view["closure"].(map[string]any)["id"] != "cls_original" {
		t.Fatal("repeat closure must return the original record")
	}
	if len(st.notifications) != 0 {
		t.Fatal("repeat closure must not notify")
	}
}
