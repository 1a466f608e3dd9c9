package main

import (
	"context"
	"flag"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"attendance-service/internal/authority"
	"attendance-service/internal/biometric"
	"attendance-service/internal/claim"
	"attendance-service/internal/discovery"
	"attendance-service/internal/issuer"
	"attendance-service/internal/model"
	"attendance-service/internal/token"
	"attendance-service/internal/transport"
	"attendance-service/internal/util"
)

// The simulator runs the whole protocol in one process: an issuer rotating
// tokens over the in-process bus, and a claimant that discovers, submits and
// confirms against a local verifying authority. Useful for demos and for
// watching the state machine without Redis, Scylla or Kafka.
func main() {
	rotation := flag.Duration("rotation", 5*time.Second, "token rotation interval")
	runFor := flag.Duration("run-for", 12*time.Second, "how long the issuer stays active")
	authorityURL := flag.String("authority", "", "base URL of a running authority; empty runs an in-memory one")
	credential := flag.String("credential", "sim-credential", "bearer credential for the claimant")
	flag.Parse()

	if *rotation < time.Second {
		*rotation = time.Second
	}

	util.Init("development", "debug", "console")
	logger := util.Get()
	defer util.Sync()

	const (
		serviceID = "9f3c1e70-12ab-4c8d-9c77-7a3fba5b91d2"
		studentID = "student-001"
		template  = "left-thumb-template"
	)

	gen := token.NewGenerator(*rotation)
	bus := transport.NewSimulatedBus()
	defer bus.Close()

	matcher := biometric.NewMatcher(biometric.DefaultParams())
	ref, err := matcher.Enroll(template)
	if err != nil {
		util.Fatal("Failed to enroll demo template", util.ErrorField(err))
	}

	session := model.Session{
		SessionID:  "sim-session-001",
		CourseName: "Distributed Systems",
		Classroom:  "B-204",
		TeacherID:  "teacher-001",
		StartTime:  time.Now(),
		Status:     model.SessionActive,
	}

	var auth authority.VerifyingAuthority
	if *authorityURL != "" {
		auth = authority.NewClient(*authorityURL, 10*time.Second, logger)
		logger.Info("Submitting to remote authority", util.String("base_url", *authorityURL))
	} else {
		auth = &localAuthority{
			generator: gen,
			matcher:   matcher,
			session:   session,
			refs:      map[string]*biometric.Reference{studentID: ref},
			seen:      make(map[string]bool),
		}
	}

	iss := issuer.New(serviceID, gen, bus, logger)

	ctx := context.Background()
	if err := iss.Start(ctx, session); err != nil {
		util.Fatal("Failed to start issuer", util.ErrorField(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer func() {
			if err := iss.End(gctx); err != nil {
				logger.Warn("Issuer end failed", util.ErrorField(err))
			}
		}()
		select {
		case <-time.After(*runFor):
		case <-gctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		cl := claim.New(claim.Config{
			ServiceID:     serviceID,
			StudentID:     studentID,
			Credential:    *credential,
			SignalFloor:   -80,
			ScanTimeout:   10 * time.Second,
			SubmitRetries: 3,
			RetryBackoff:  200 * time.Millisecond,
		}, discovery.New(bus, logger), auth, claim.AssertionFunc(func(ctx context.Context, sessionID string) (string, error) {
			return template, nil
		}), logger)

		attempt, err := cl.Run(gctx)
		if err != nil {
			return err
		}
		logger.Info("Claim finished",
			util.String("final_status", string(attempt.FinalStatus)),
			util.Int("token_count", attempt.TokenCount),
			util.Bool("biometric_passed", attempt.BiometricPassed),
		)
		return nil
	})

	if err := g.Wait(); err != nil {
		util.Fatal("Simulation failed", util.ErrorField(err))
	}
	util.Info("Simulation completed")
}

// localAuthority is an in-memory stand-in for the attendance service: the
// same decision rules, no storage behind them.
type localAuthority struct {
	generator *token.Generator
	matcher   *biometric.Matcher
	session   model.Session
	refs      map[string]*biometric.Reference

	mu     sync.Mutex
	seen   map[string]bool
	counts map[string]int
}

func (a *localAuthority) SubmitToken(ctx context.Context, credential string, req authority.SubmitRequest) (model.SubmitResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.SessionID != a.session.SessionID {
		return model.SubmitResult{Reason: model.ReasonUnknownSession, FinalStatus: model.StatusPending}, nil
	}

	current := a.generator.CurrentSlot()
	matched := false
	for slot := current; slot >= current-1; slot-- {
		if a.generator.Generate(req.SessionID, slot) == req.TokenValue {
			matched = true
			break
		}
	}
	if !matched {
		return model.SubmitResult{Reason: model.ReasonStaleToken, FinalStatus: model.StatusPending}, nil
	}

	key := credential + ":" + req.TokenValue
	if a.seen[key] {
		return model.SubmitResult{Reason: model.ReasonDuplicateSubmission, FinalStatus: model.StatusPending}, nil
	}
	a.seen[key] = true

	if a.counts == nil {
		a.counts = make(map[string]int)
	}
	a.counts[credential]++

	return model.SubmitResult{
		Accepted:    true,
		TokenCount:  a.counts[credential],
		FinalStatus: model.StatusPending,
	}, nil
}

func (a *localAuthority) VerifyBiometric(ctx context.Context, credential string, req authority.VerifyRequest) (model.BiometricResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	verified := false
	for _, ref := range a.refs {
		ok, err := a.matcher.Verify(req.Assertion, ref)
		if err != nil {
			return model.BiometricResult{}, err
		}
		if ok {
			verified = true
			break
		}
	}

	count := a.counts[credential]
	status := model.StatusRejected
	if verified && count >= 1 {
		status = model.StatusPresent
	}

	return model.BiometricResult{
		FinalStatus: status,
		Verified:    verified,
		TokenCount:  count,
	}, nil
}
