package service

import (
	"time"

	"github.com/uzh-bf/klicker-live/internal/live/domain"
	"github.com/uzh-bf/klicker-live/internal/live/pubsub"
)

// SnapshotPublisher fans session-state snapshots out to live subscribers.
// Publishing is best-effort: implementations must never fail the mutation
// that triggered the publish.
type SnapshotPublisher interface {
	PublishOwnerView(session domain.Session)
	PublishPublicView(session domain.Session)
}

// OwnerSnapshot is the full session view for the owner dashboard: all
// blocks, all instances, aggregated results, and both feedback channels.
type OwnerSnapshot struct {
	SessionID   string
	Status      string
	ActiveBlock int
	ActiveStep  int
	Settings    domain.Settings
	Blocks      []OwnerBlockView
	ConfusionTS []domain.ConfusionTimeStep
	Feedbacks   []domain.Feedback
	UpdatedAt   time.Time
}

// OwnerBlockView is one block in the owner snapshot.
type OwnerBlockView struct {
	ID        string
	Status    string
	TimeLimit int
	ExpiresAt *time.Time
	Instances []OwnerInstanceView
}

// OwnerInstanceView is one instance in the owner snapshot.
type OwnerInstanceView struct {
	ID         string
	QuestionID string
	Version    int
	Kind       string
	IsOpen     bool
	Results    *domain.Results
}

// PublicSnapshot is the filtered participant view: only the active block's
// instances, without any cross-participant identifying data.
type PublicSnapshot struct {
	SessionID   string
	Status      string
	ActiveBlock int
	Block       *PublicBlockView
	Settings    PublicSettings
}

// PublicSettings exposes only the participant-safe settings flags.
type PublicSettings struct {
	IsConfusionBarometerActive bool
	IsFeedbackChannelActive    bool
	IsFeedbackChannelPublic    bool
	IsEvaluationPublic         bool
}

// PublicBlockView is the active block in the participant snapshot.
type PublicBlockView struct {
	ID        string
	TimeLimit int
	ExpiresAt *time.Time
	Instances []PublicInstanceView
}

// PublicInstanceView is one open instance in the participant snapshot.
type PublicInstanceView struct {
	ID          string
	QuestionID  string
	Version     int
	Kind        string
	ChoiceCount int
	Min         *float64
	Max         *float64
	IsOpen      bool
}

// BrokerPublisher publishes snapshots on the in-process broker.
type BrokerPublisher struct {
	broker *pubsub.Broker
}

// NewBrokerPublisher wraps a broker as a SnapshotPublisher.
func NewBrokerPublisher(broker *pubsub.Broker) *BrokerPublisher {
	return &BrokerPublisher{broker: broker}
}

// PublishOwnerView emits the full owner snapshot for the session.
func (p *BrokerPublisher) PublishOwnerView(session domain.Session) {
	p.broker.Publish(pubsub.OwnerTopic(session.ID), BuildOwnerSnapshot(session))
}

// PublishPublicView emits the filtered participant snapshot for the session.
func (p *BrokerPublisher) PublishPublicView(session domain.Session) {
	p.broker.Publish(pubsub.PublicTopic(session.ID), BuildPublicSnapshot(session))
}

// BuildOwnerSnapshot converts a session aggregate into the owner view.
func BuildOwnerSnapshot(session domain.Session) OwnerSnapshot {
	snapshot := OwnerSnapshot{
		SessionID:   session.ID,
		Status:      session.Status.String(),
		ActiveBlock: session.ActiveBlock,
		ActiveStep:  session.ActiveStep,
		Settings:    session.Settings,
		ConfusionTS: session.ConfusionTS,
		Feedbacks:   session.Feedbacks,
		UpdatedAt:   session.UpdatedAt,
	}
	snapshot.Blocks = make([]OwnerBlockView, 0, len(session.Blocks))
	for _, block := range session.Blocks {
		view := OwnerBlockView{
			ID:        block.ID,
			Status:    block.Status.String(),
			TimeLimit: block.TimeLimit,
			ExpiresAt: block.ExpiresAt,
		}
		view.Instances = make([]OwnerInstanceView, 0, len(block.Instances))
		for _, instance := range block.Instances {
			view.Instances = append(view.Instances, OwnerInstanceView{
				ID:         instance.ID,
				QuestionID: instance.QuestionID,
				Version:    instance.Version,
				Kind:       instance.Kind.String(),
				IsOpen:     instance.IsOpen,
				Results:    instance.Results,
			})
		}
		snapshot.Blocks = append(snapshot.Blocks, view)
	}
	return snapshot
}

// BuildPublicSnapshot converts a session aggregate into the participant
// view. Only the active block is included.
func BuildPublicSnapshot(session domain.Session) PublicSnapshot {
	snapshot := PublicSnapshot{
		SessionID:   session.ID,
		Status:      session.Status.String(),
		ActiveBlock: session.ActiveBlock,
		Settings: PublicSettings{
			IsConfusionBarometerActive: session.Settings.IsConfusionBarometerActive,
			IsFeedbackChannelActive:    session.Settings.IsFeedbackChannelActive,
			IsFeedbackChannelPublic:    session.Settings.IsFeedbackChannelPublic,
			IsEvaluationPublic:         session.Settings.IsEvaluationPublic,
		},
	}

	block, ok := session.ActiveBlockRef()
	if !ok {
		return snapshot
	}
	view := &PublicBlockView{
		ID:        block.ID,
		TimeLimit: block.TimeLimit,
		ExpiresAt: block.ExpiresAt,
	}
	view.Instances = make([]PublicInstanceView, 0, len(block.Instances))
	for _, instance := range block.Instances {
		view.Instances = append(view.Instances, PublicInstanceView{
			ID:          instance.ID,
			QuestionID:  instance.QuestionID,
			Version:     instance.Version,
			Kind:        instance.Kind.String(),
			ChoiceCount: instance.ChoiceCount,
			Min:         instance.Min,
			Max:         instance.Max,
			IsOpen:      instance.IsOpen,
		})
	}
	snapshot.Block = view
	return snapshot
}
