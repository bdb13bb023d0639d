// Package repository provides the Postgres implementation of the license
// store port. The relational store is the single source of truth for
// activation and revocation state; nothing in this package caches rows
// across requests.
package repository
