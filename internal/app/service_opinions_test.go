package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"counsel/api/internal/draft"
	"counsel/api/internal/store"
)

// engagedFixture wires a store around one request in active engagement:
// req_1 assigned to and accepted by lawyer_1, with submission sub_1.
func engagedFixture() *fakeStore {
	lawyerID := "lawyer_1"
	return &fakeStore{
		GetRequestFn: func(ctx context.Context, id string) (store.Request, error) {
			return store.Request{
				ID:               "req_1",
				Number:           "REQ-2026-0200",
				ClientID:         "client_1",
				AssignedLawyerID: &lawyerID,
				AcceptedByLawyer: true,
				Status:           "drafting_opinion",
				OpinionState:     "draft",
			}, nil
		},
		GetOpinionSubmissionFn: func(ctx context.Context, id string) (store.OpinionSubmission, error) {
			return store.OpinionSubmission{ID: "sub_1", RequestID: "req_1", LawyerID: "lawyer_1", Status: "draft"}, nil
		},
	}
}

func completeVersion(id string, n int) store.OpinionVersion {
	return store.OpinionVersion{
		ID:            id,
		SubmissionID:  "sub_1",
		VersionNumber: n,
		Facts:         "The client requested a review of the facility.",
		Issues:        "Whether the security package is enforceable.",
		Analysis:      "Under the governing law the security attaches.",
		Conclusion:    "The package is enforceable.",
		References:    "Companies Act, s. 859A.",
		Status:        "draft",
		ContentHash:   "hash-v" + string(rune('0'+n)),
		CommitHash:    "commit-req_1-" + string(rune('0'+n)),
		CreatedBy:     "lawyer_1",
	}
}

func completeChecklist(sub store.OpinionSubmission) store.OpinionSubmission {
	sub.DocumentsReviewed = true
	sub.ClarificationsResolved = true
	sub.ResearchCompleted = true
	sub.CitationsVerified = true
	sub.OpinionProofread = true
	return sub
}

func TestStartDraftingGates(t *testing.T) {
	lawyerID := "lawyer_1"
	ctx := context.Background()

	t.Run("requires acceptance or claim", func(t *testing.T) {
		st := &fakeStore{
			GetRequestFn: func(ctx context.Context, id string) (store.Request, error) {
				return store.Request{ID: id, ClientID: "client_1", AssignedLawyerID: &lawyerID, Status: "assigned"}, nil
			},
		}
		svc, _, _, _ := newTestService(st)
		_, err := svc.StartDrafting(ctx, lawyerSession(), "req_1")
		var derr *DomainError
		if !errors.As(err, &derr) || derr.Status != 409 {
			t.Fatalf("err = %v, want 409", err)
		}
	})

	t.Run("rejects closed request", func(t *testing.T) {
		closedAt := time.Now()
		st := &fakeStore{
			GetRequestFn: func(ctx context.Context, id string) (store.Request, error) {
				return store.Request{ID: id, ClientID: "client_1", AssignedLawyerID: &lawyerID, AcceptedByLawyer: true, Status: "completed", ClosedAt: &closedAt}, nil
			},
		}
		svc, _, _, _ := newTestService(st)
		if _, err := svc.StartDrafting(ctx, lawyerSession(), "req_1"); !errors.Is(err, store.ErrRequestClosed) {
			t.Fatalf("err = %v, want ErrRequestClosed", err)
		}
	})

	t.Run("first call starts drafting", func(t *testing.T) {
		st := engagedFixture()
		st.GetRequestFn = func(ctx context.Context, id string) (store.Request, error) {
			return store.Request{ID: "req_1", ClientID: "client_1", AssignedLawyerID: &lawyerID, AcceptedByLawyer: true, Status: "in_review", OpinionState: "none"}, nil
		}
		st.BeginDraftingTxFn = func(ctx context.Context, requestID, actorID string) (store.Request, bool, error) {
			return store.Request{ID: requestID, ClientID: "client_1", AssignedLawyerID: &lawyerID, AcceptedByLawyer: true, Status: "drafting_opinion", OpinionState: "draft"}, true, nil
		}
		svc, _, _, _ := newTestService(st)
		view, err := svc.StartDrafting(ctx, lawyerSession(), "req_1")
		if err != nil {
			t.Fatalf("start drafting: %v", err)
		}
		if view["status"] != "draft" {
			t.Fatalf("submission status = %v", view["status"])
		}
		if types := st.auditTypes(); len(types) != 1 || types[0] != "opinion.drafting_started" {
			t.Fatalf("audit types = %v", types)
		}
	})
}

func TestSaveVersionSeedsBlankSectionsFromLatest(t *testing.T) {
	st := engagedFixture()
	st.GetLatestOpinionVersionFn = func(ctx context.Context, id string) (store.OpinionVersion, error) {
		return completeVersion("ver_1", 1), nil
	}
	var created store.OpinionVersion
	st.CreateOpinionVersionTxFn = func(ctx context.Context, v store.OpinionVersion) (store.OpinionVersion, error) {
		v.VersionNumber = 2
		v.Status = "draft"
		created = v
		return v, nil
	}
	svc, _, drafts, archive := newTestService(st)
	if err := drafts.Save(context.Background(), draft.Autosave{SubmissionID: "sub_1", LawyerID: "lawyer_1", Facts: "scratch"}); err != nil {
		t.Fatalf("seed autosave: %v", err)
	}

	view, err := svc.SaveVersion(context.Background(), lawyerSession(), "sub_1", SectionsInput{
		Analysis: "Revised analysis after the new security documents.",
	})
	if err != nil {
		t.Fatalf("save version: %v", err)
	}
	if created.Analysis != "Revised analysis after the new security documents." {
		t.Fatalf("analysis = %q", created.Analysis)
	}
	if created.Facts != "The client requested a review of the facility." {
		t.Fatal("blank facts must inherit from the latest version")
	}
	if created.CommitHash == "" {
		t.Fatal("version must carry the archive commit hash")
	}
	if len(archive.commits["req_1"]) != 1 {
		t.Fatalf("archive commits = %d, want 1", len(archive.commits["req_1"]))
	}
	if view["versionNumber"] != 2 {
		t.Fatalf("versionNumber = %v", view["versionNumber"])
	}
	if len(drafts.buffers) != 0 {
		t.Fatal("autosave buffer must be discarded after cutting a version")
	}
}

func TestSaveVersionContinuesPastSignedLatest(t *testing.T) {
	st := engagedFixture()
	st.GetLatestOpinionVersionFn = func(ctx context.Context, id string) (store.OpinionVersion, error) {
		v := completeVersion("ver_1", 1)
		v.Status = "signed"
		v.IsLocked = true
		return v, nil
	}
	var created store.OpinionVersion
	st.CreateOpinionVersionTxFn = func(ctx context.Context, v store.OpinionVersion) (store.OpinionVersion, error) {
		v.VersionNumber = 2
		v.Status = "draft"
		created = v
		return v, nil
	}
	svc, _, _, archive := newTestService(st)

	view, err := svc.SaveVersion(context.Background(), lawyerSession(), "sub_1", SectionsInput{
		Analysis: "Revised analysis after signature.",
	})
	if err != nil {
		t.Fatalf("save version after signing: %v", err)
	}
	if view["versionNumber"] != 2 {
		t.Fatalf("versionNumber = %v, want 2", view["versionNumber"])
	}
	if created.Facts != "The client requested a review of the facility." {
		t.Fatal("new version must inherit content from the signed one")
	}
	if created.Analysis != "Revised analysis after signature." {
		t.Fatalf("analysis = %q", created.Analysis)
	}
	if len(archive.commits["req_1"]) != 1 {
		t.Fatalf("archive commits = %d, want 1", len(archive.commits["req_1"]))
	}
}

func TestUpdateVersionRejectsLocked(t *testing.T) {
	st := engagedFixture()
	st.GetOpinionVersionFn = func(ctx context.Context, id string) (store.OpinionVersion, error) {
		v := completeVersion(id, 1)
		v.IsLocked = true
		return v, nil
	}
	svc, _, _, _ := newTestService(st)

	_, err := svc.UpdateVersion(context.Background(), lawyerSession(), "ver_1", SectionsInput{Facts: "rewrite"})
	if !errors.Is(err, store.ErrVersionLocked) {
		t.Fatalf("err = %v, want ErrVersionLocked", err)
	}
}

func TestSignVersionValidatesSections(t *testing.T) {
	st := engagedFixture()
	st.GetOpinionVersionFn = func(ctx context.Context, id string) (store.OpinionVersion, error) {
		v := completeVersion(id, 1)
		v.Conclusion = ""
		v.References = "  "
		return v, nil
	}
	st.GetOpinionSubmissionFn = func(ctx context.Context, id string) (store.OpinionSubmission, error) {
		return completeChecklist(store.OpinionSubmission{ID: "sub_1", RequestID: "req_1", LawyerID: "lawyer_1"}), nil
	}
	svc, _, _, _ := newTestService(st)

	_, err := svc.SignVersion(context.Background(), lawyerSession(), "ver_1")
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 400 {
		t.Fatalf("err = %v, want 400", err)
	}
	missing := derr.Details.(map[string]any)["missingSections"].([]string)
	if len(missing) != 2 || missing[0] != "conclusion" || missing[1] != "references" {
		t.Fatalf("missing = %v", missing)
	}
}

func TestSignVersionValidatesChecklist(t *testing.T) {
	st := engagedFixture()
	st.GetOpinionVersionFn = func(ctx context.Context, id string) (store.OpinionVersion, error) {
		return completeVersion(id, 1), nil
	}
	svc, _, _, _ := newTestService(st)

	_, err := svc.SignVersion(context.Background(), lawyerSession(), "ver_1")
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 409 || derr.Code != "CHECKLIST_INCOMPLETE" {
		t.Fatalf("err = %v, want 409 CHECKLIST_INCOMPLETE", err)
	}
	if missing := derr.Details.(map[string]any)["missing"].([]string); len(missing) != 5 {
		t.Fatalf("missing = %v, want all five items", missing)
	}
}

func TestSignVersionTagsArchiveAndLocks(t *testing.T) {
	st := engagedFixture()
	st.GetOpinionVersionFn = func(ctx context.Context, id string) (store.OpinionVersion, error) {
		return completeVersion(id, 1), nil
	}
	st.GetOpinionSubmissionFn = func(ctx context.Context, id string) (store.OpinionSubmission, error) {
		return completeChecklist(store.OpinionSubmission{ID: "sub_1", RequestID: "req_1", LawyerID: "lawyer_1"}), nil
	}
	var recorded store.DigitalSignature
	st.SignOpinionVersionTxFn = func(ctx context.Context, sig store.DigitalSignature) (store.OpinionVersion, store.Request, error) {
		recorded = sig
		v := completeVersion(sig.VersionID, 1)
		v.Status = "signed"
		v.IsLocked = true
		lawyerID := "lawyer_1"
		return v, store.Request{ID: "req_1", ClientID: "client_1", AssignedLawyerID: &lawyerID, OpinionState: "signed", Status: "drafting_opinion"}, nil
	}
	svc, _, _, archive := newTestService(st)

	view, err := svc.SignVersion(context.Background(), lawyerSession(), "ver_1")
	if err != nil {
		t.Fatalf("sign version: %v", err)
	}
	if recorded.TagName != "signed-v1" {
		t.Fatalf("tag = %q, want signed-v1", recorded.TagName)
	}
	if recorded.ContentHash != "hash-v1" {
		t.Fatalf("signature hash = %q, want the version content hash", recorded.ContentHash)
	}
	if archive.tags["req_1:signed-v1"] == "" {
		t.Fatal("archive tag must be written before the signature commits")
	}
	if view["isLocked"] != true {
		t.Fatal("signed version must read as locked")
	}
}

func TestRequestPeerReviewValidation(t *testing.T) {
	st := engagedFixture()
	st.GetOpinionVersionFn = func(ctx context.Context, id string) (store.OpinionVersion, error) {
		return completeVersion(id, 1), nil
	}
	st.GetUserByIDFn = func(ctx context.Context, id string) (store.User, error) {
		switch id {
		case "client_9":
			return store.User{ID: id, Role: "client"}, nil
		case "lawyer_9":
			return store.User{ID: id, Role: "lawyer"}, nil
		default:
			return store.User{ID: id, Role: "reviewer"}, nil
		}
	}
	svc, _, _, _ := newTestService(st)
	ctx := context.Background()

	if _, err := svc.RequestPeerReview(ctx, lawyerSession(), "ver_1", PeerReviewRequestInput{ReviewerID: "lawyer_1"}); err == nil {
		t.Fatal("self review must be rejected")
	}
	if _, err := svc.RequestPeerReview(ctx, lawyerSession(), "ver_1", PeerReviewRequestInput{ReviewerID: "client_9"}); err == nil {
		t.Fatal("non-lawyer reviewer must be rejected")
	}
	if _, err := svc.RequestPeerReview(ctx, lawyerSession(), "ver_1", PeerReviewRequestInput{ReviewerID: "lawyer_9"}); err == nil {
		t.Fatal("a lawyer without the reviewer role must be rejected")
	}

	view, err := svc.RequestPeerReview(ctx, lawyerSession(), "ver_1", PeerReviewRequestInput{ReviewerID: "reviewer_1"})
	if err != nil {
		t.Fatalf("request review: %v", err)
	}
	if view["status"] != "pending" {
		t.Fatalf("status = %v", view["status"])
	}
	if notes := st.notificationsFor("reviewer_1"); len(notes) != 1 {
		t.Fatalf("reviewer notifications = %d, want 1", len(notes))
	}
}

func TestSubmitPeerReviewChangesRequireComments(t *testing.T) {
	st := engagedFixture()
	st.GetPeerReviewFn = func(ctx context.Context, id string) (store.PeerReview, error) {
		return store.PeerReview{ID: id, VersionID: "ver_1", RequestedBy: "lawyer_1", ReviewerID: "reviewer_1", Status: "pending"}, nil
	}
	svc, _, _, _ := newTestService(st)

	_, err := svc.SubmitPeerReview(context.Background(), Session{UserID: "reviewer_1", Role: "reviewer"}, "rev_1", PeerReviewDecisionInput{Approve: false})
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 400 {
		t.Fatalf("err = %v, want 400", err)
	}
}

func TestSubmitPeerReviewApproval(t *testing.T) {
	st := engagedFixture()
	reviewStatus := "pending"
	st.GetPeerReviewFn = func(ctx context.Context, id string) (store.PeerReview, error) {
		return store.PeerReview{ID: id, VersionID: "ver_1", RequestedBy: "lawyer_1", ReviewerID: "reviewer_1", Status: reviewStatus}, nil
	}
	st.GetOpinionVersionFn = func(ctx context.Context, id string) (store.OpinionVersion, error) {
		v := completeVersion(id, 1)
		v.Status = "peer_review"
		return v, nil
	}
	var versionStatus, opinionState string
	st.CompletePeerReviewFn = func(ctx context.Context, id, status, comments string) error {
		reviewStatus = status
		return nil
	}
	st.UpdateVersionStatusFn = func(ctx context.Context, id, status string) error {
		versionStatus = status
		return nil
	}
	st.SetRequestOpinionStateFn = func(ctx context.Context, requestID, state string) error {
		opinionState = state
		return nil
	}
	svc, _, _, _ := newTestService(st)

	view, err := svc.SubmitPeerReview(context.Background(), Session{UserID: "reviewer_1", UserName: "Robin", Role: "reviewer"}, "rev_1", PeerReviewDecisionInput{Approve: true})
	if err != nil {
		t.Fatalf("submit review: %v", err)
	}
	if view["status"] != "approved" {
		t.Fatalf("review status = %v", view["status"])
	}
	if versionStatus != "approved" || opinionState != "approved" {
		t.Fatalf("version=%q opinion=%q, want approved/approved", versionStatus, opinionState)
	}
	if notes := st.notificationsFor("lawyer_1"); len(notes) != 1 {
		t.Fatalf("author notifications = %d, want 1", len(notes))
	}
}

func TestAutosaveRoundTrip(t *testing.T) {
	st := engagedFixture()
	svc, _, _, _ := newTestService(st)
	ctx := context.Background()

	if _, err := svc.SaveAutosave(ctx, lawyerSession(), "sub_1", SectionsInput{Facts: "work in progress"}); err != nil {
		t.Fatalf("save autosave: %v", err)
	}
	got, err := svc.GetAutosave(ctx, lawyerSession(), "sub_1")
	if err != nil {
		t.Fatalf("get autosave: %v", err)
	}
	if got["facts"] != "work in progress" {
		t.Fatalf("facts = %v", got["facts"])
	}

	// Another lawyer cannot touch this submission's buffer.
	if _, err := svc.GetAutosave(ctx, Session{UserID: "lawyer_2", Role: "lawyer"}, "sub_1"); err == nil {
		t.Fatal("foreign submission access must be rejected")
	}

	if err := svc.DiscardAutosave(ctx, lawyerSession(), "sub_1"); err != nil {
		t.Fatalf("discard autosave: %v", err)
	}
	if _, err := svc.GetAutosave(ctx, lawyerSession(), "sub_1"); err == nil {
		t.Fatal("buffer must be gone after discard")
	}
}

func TestClientOpinionResolution(t *testing.T) {
	newStore := func(versions []store.OpinionVersion) *fakeStore {
		st := engagedFixture()
		st.GetOpinionSubmissionForRequestFn = func(ctx context.Context, requestID, lawyerID string) (store.OpinionSubmission, error) {
			return store.OpinionSubmission{ID: "sub_1", RequestID: requestID, LawyerID: lawyerID}, nil
		}
		st.ListOpinionVersionsFn = func(ctx context.Context, id string) ([]store.OpinionVersion, error) {
			return versions, nil
		}
		return st
	}
	ctx := context.Background()

	t.Run("drafts stay hidden", func(t *testing.T) {
		svc, _, _, _ := newTestService(newStore([]store.OpinionVersion{completeVersion("ver_1", 1)}))
		_, err := svc.ClientOpinion(ctx, clientSession(), "req_1")
		var derr *DomainError
		if !errors.As(err, &derr) || derr.Status != 404 {
			t.Fatalf("err = %v, want 404 before signature", err)
		}
	})

	t.Run("signed version stays visible past a newer draft", func(t *testing.T) {
		signed := completeVersion("ver_1", 1)
		signed.Status = "signed"
		signed.IsLocked = true
		redraft := completeVersion("ver_2", 2)
		svc, _, _, _ := newTestService(newStore([]store.OpinionVersion{signed, redraft}))

		view, err := svc.ClientOpinion(ctx, clientSession(), "req_1")
		if err != nil {
			t.Fatalf("client opinion: %v", err)
		}
		if view["versionNumber"] != 1 || view["status"] != "signed" {
			t.Fatalf("resolved version = %v/%v, want the signed v1", view["versionNumber"], view["status"])
		}
	})
}

func TestRecordOpinionViewFirstViewStampsDelivery(t *testing.T) {
	lawyerID := "lawyer_1"
	st := engagedFixture()
	st.GetOpinionSubmissionForRequestFn = func(ctx context.Context, requestID, lawyerID string) (store.OpinionSubmission, error) {
		return store.OpinionSubmission{ID: "sub_1", RequestID: requestID, LawyerID: lawyerID}, nil
	}
	st.ListOpinionVersionsFn = func(ctx context.Context, id string) ([]store.OpinionVersion, error) {
		v := completeVersion("ver_1", 1)
		v.Status = "published"
		return []store.OpinionVersion{v}, nil
	}
	first := true
	st.RecordOpinionViewTxFn = func(ctx context.Context, requestID, versionID, viewerID string) (store.Request, bool, error) {
		deliveredAt := time.Now()
		r := store.Request{ID: requestID, Number: "REQ-2026-0200", ClientID: "client_1", AssignedLawyerID: &lawyerID, Status: "delivered", OpinionState: "published", DeliveredAt: &deliveredAt}
		wasFirst := first
		first = false
		return r, wasFirst, nil
	}
	svc, _, _, _ := newTestService(st)
	ctx := context.Background()

	if _, err := svc.RecordOpinionView(ctx, lawyerSession(), "req_1"); err == nil {
		t.Fatal("only the client records delivery")
	}

	view, err := svc.RecordOpinionView(ctx, clientSession(), "req_1")
	if err != nil {
		t.Fatalf("record view: %v", err)
	}
	if view["firstView"] != true {
		t.Fatal("first view must be reported")
	}
	if notes := st.notificationsFor("lawyer_1"); len(notes) != 1 {
		t.Fatalf("lawyer notifications = %d, want 1", len(notes))
	}

	view, err = svc.RecordOpinionView(ctx, clientSession(), "req_1")
	if err != nil {
		t.Fatalf("second view: %v", err)
	}
	if view["firstView"] != false {
		t.Fatal("repeat views must not read as first")
	}
	if notes := st.notificationsFor("lawyer_1"); len(notes) != 1 {
		t.Fatal("repeat views must not re-notify")
	}
}

func TestExportOpinionValidatesFormat(t *testing.T) {
	st := engagedFixture()
	svc, _, _, _ := newTestService(st)

	_, err := svc.ExportOpinion(context.Background(), lawyerSession(), "ver_1", "odt")
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 400 {
		t.Fatalf("err = %v, want 400", err)
	}

	// No export service wired.
	_, err = svc.ExportOpinion(context.Background(), lawyerSession(), "ver_1", "pdf")
	if !errors.As(err, &derr) || derr.Status != 503 {
		t.Fatalf("err = %v, want 503 without export service", err)
	}
}
