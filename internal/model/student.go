package model

// Student is the identity collaborator's view of a test taker.
type Student struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Department string `json:"department"`
}
