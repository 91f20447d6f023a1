package dto

// CreateUserDTO is used by admins to open accounts directly.
type CreateUserDTO struct {
	Email     string `json:"email" binding:"required,email"`
	Password  string `json:"password" binding:"required,min=8,max=72"`
	FirstName string `json:"firstName" binding:"max=100"`
	LastName  string `json:"lastName" binding:"max=100"`
	Role      string `json:"role" binding:"omitempty,oneof=user admin"`
	Verified  bool   `json:"verified"`
}
