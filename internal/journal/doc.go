// Package journal keeps a durable record of printers and transfer outcomes
// in SQLite.
//
// The schema lives in the migrations package and is applied with
// database.DB.Migrate. The bridge writes a printer row on every state
// change and a transfer row for every payload that completes or fails.
package journal
