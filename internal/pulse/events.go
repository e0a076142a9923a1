// Package pulse publishes Treeherder events to a topic exchange and
// consumes job events from the bus.
package pulse

import (
	"fmt"
)

// Exchange is the topic exchange events are published to.
const Exchange = "events"

// EventType is the last segment of a routing key.
type EventType string

const (
	EventJob                      EventType = "job"
	EventJobFailure               EventType = "job_failure"
	EventResultset                EventType = "resultset"
	EventJobClassification        EventType = "job_classification"
	EventUnclassifiedFailureCount EventType = "unclassified_failure_count"
)

// Event is a payload addressed to one repository.
type Event struct {
	Repository string
	Type       EventType
	Payload    any
}

// RoutingKey returns events.<repository>.<event_type>.
func (e Event) RoutingKey() string {
	return fmt.Sprintf("%s.%s.%s", Exchange, e.Repository, e.Type)
}

// Payload shapes.
type (
	JobPayload struct {
		ID        int64     `json:"id"`
		Resultset int64     `json:"resultset"`
		Event     EventType `json:"event"`
		Branch    string    `json:"branch"`
		Status    string    `json:"status"`
	}
	JobFailurePayload struct {
		ID     int64     `json:"id"`
		Event  EventType `json:"event"`
		Branch string    `json:"branch"`
	}
	ResultsetPayload struct {
		ID     int64     `json:"id"`
		Event  EventType `json:"event"`
		Branch string    `json:"branch"`
		Author string    `json:"author"`
	}
	JobClassificationPayload struct {
		ID     int64     `json:"id"`
		Who    string    `json:"who"`
		Event  EventType `json:"event"`
		Branch string    `json:"branch"`
	}
	UnclassifiedCountPayload struct {
		Count  int       `json:"count"`
		Event  EventType `json:"event"`
		Branch string    `json:"branch"`
	}
)

// JobEvent reports a job's new state.
func JobEvent(repo string, jobID, pushID int64, status string) Event {
	return Event{Repository: repo, Type: EventJob, Payload: JobPayload{
		ID: jobID, Resultset: pushID, Event: EventJob, Branch: repo, Status: status,
	}}
}

// JobFailureEvent reports a job that finished with a failing result.
func JobFailureEvent(repo string, jobID int64) Event {
	return Event{Repository: repo, Type: EventJobFailure, Payload: JobFailurePayload{
		ID: jobID, Event: EventJobFailure, Branch: repo,
	}}
}

// ResultsetEvent reports a newly created push.
func ResultsetEvent(repo string, pushID int64, author string) Event {
	return Event{Repository: repo, Type: EventResultset, Payload: ResultsetPayload{
		ID: pushID, Event: EventResultset, Branch: repo, Author: author,
	}}
}

// JobClassificationEvent reports a classification note added to a job.
func JobClassificationEvent(repo string, jobID int64, who string) Event {
	return Event{Repository: repo, Type: EventJobClassification, Payload: JobClassificationPayload{
		ID: jobID, Who: who, Event: EventJobClassification, Branch: repo,
	}}
}

// UnclassifiedCountEvent reports the repository's unclassified failure count.
func UnclassifiedCountEvent(repo string, count int) Event {
	return Event{Repository: repo, Type: EventUnclassifiedFailureCount, Payload: UnclassifiedCountPayload{
		Count: count, Event: EventUnclassifiedFailureCount, Branch: repo,
	}}
}

// Envelope is the message body put on the bus.
type Envelope struct {
	Payload any  `json:"payload"`
	Meta    Meta `json:"meta"`
}

// Meta describes how an envelope was sent.
type Meta struct {
	Exchange      string  `json:"exchange"`
	RoutingKey    string  `json:"routing_key"`
	Serializer    string  `json:"serializer"`
	SentTimestamp float64 `json:"sent_timestamp"`
}
