// Package schema defines the observation data model shared by the local store,
// the remote stores and the sync machinery.
//
// # Overview
//
// Field data is organised as surveys containing features (map locations) that
// belong to a layer. A layer owns one or more forms, and every observation is
// one user's set of responses to one form for one feature:
//
//	Survey ── Layer ── Form
//	   │         │
//	   └── Feature ── Observation (responses keyed by field id)
//
// An observation is identified by (survey id, feature id, form id, observation
// id). The feature id doubles as the dispatcher key that groups and serialises
// background sync attempts.
//
// # Mutations
//
// Observations are never edited in place. Every user edit becomes a Mutation
// (CREATE, UPDATE or DELETE) carrying field-level ResponseDeltas, a client
// timestamp and the acting user id. Mutations are queued durably before any
// remote attempt and are applied in queue order:
//
//	obs, err := schema.Apply(nil, createMutation)
//	obs, err = schema.Apply(obs, updateMutation)
//
// Replay folds a whole mutation log over an empty observation and yields the
// same state as applying the mutations one at a time as they were queued.
//
// # Documents
//
// Observations can be written as one JSON document per observation
// ({feature}/{id}.json). The directory-backed remote store uses this layout:
//
//	{
//	  "id": "3f2a...",
//	  "survey_id": "survey-1",
//	  "feature_id": "feature-9",
//	  "form_id": "tree-form",
//	  "responses": {"status": {"kind": "text", "text": "final"}},
//	  ...
//	}
package schema
