// Package rendler defines the domain types and collaborator contracts shared by the
// scheduling core: tasks, offers, status updates, completion payloads, and the driver and
// callback interfaces that connect the scheduler to a cluster manager.
package rendler
