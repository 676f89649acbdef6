package posts

// =============================================================================
// AUTHORIZATION POLICY - Pure decisions, no I/O
// =============================================================================

// CanEdit allows only the creator to change a post's content.
func CanEdit(id Identity, p Post) bool {
	return id.ID != "" && id.ID == p.CreatorID
}

// CanDelete allows the creator, or any admin, to delete a post.
func CanDelete(id Identity, p Post) bool {
	return (id.ID != "" && id.ID == p.CreatorID) || id.IsAdmin()
}
