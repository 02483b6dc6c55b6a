// Package harness runs bundle scenarios against an in-memory store.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	prefer: representation
//	config:
//	  conditional_delete_max: 10
//	  update_create: true
//	seed:
//	  - resource: { resourceType: Patient, name: [{ family: Smith }] }
//	    count: 3
//	envelope:
//	  resourceType: Bundle
//	  type: transaction
//	  entry:
//	    - request: { method: POST, url: Patient }
//	      resource: { resourceType: Patient }
//	expect:
//	  status: 200
//	  entries: ["201"]
//	assertions:
//	  - type: entry_field
//	    index: 0
//	    field: response.location
//	    value: Patient/id-4/_history/1
//	  - type: resource_count
//	    resource_type: Patient
//	    count: 4
//
// # Assertion Types
//
//   - entry_field: a dotted path into response entry N equals a value
//   - outcome_contains: the top-level OperationOutcome mentions a string
//   - resource_count: the number of live resources of a type
//   - resource_state: the stored current version of a reference matches
//     a subset of fields, or is deleted
//
// # Deterministic Testing
//
// Every run gets a fresh store whose ids are id-1, id-2, ... and whose
// clock starts at 2024-01-01T00:00:00Z and advances one second per write.
// Seed resources consume ids and clock readings before the envelope runs,
// so locations and timestamps in responses are stable across runs and
// suitable for golden comparison.
package harness
