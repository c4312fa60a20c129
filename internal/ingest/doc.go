// Package ingest implements the ingestion gateway: it admits a tenant's
// request, normalizes the payload, stores the incident idempotently and, for
// new high-severity incidents, starts the analysis workflow. The workflow is
// followed in the background until its results are reconciled and announced.
//
// Recording an incident never depends on analysis succeeding.
package ingest
