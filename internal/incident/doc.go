// Package incident defines Beacon's canonical incident record, the analysis
// reconciled onto it, and the tenant-scoped Store both are persisted through.
package incident
