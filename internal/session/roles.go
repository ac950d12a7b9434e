package session

// assignRole decides the role for a joining connection given the current
// slot occupancy. Deterministic: spectators always succeed and consume no
// slot; players take white first, then black, then fail. A slot freed by a
// disconnect goes to the next player join regardless of principal.
func assignRole(requested RequestedRole, whiteTaken, blackTaken bool) (Role, error) {
	if requested == RequestSpectator {
		return RoleSpectator, nil
	}
	switch {
	case !whiteTaken:
		return RoleWhite, nil
	case !blackTaken:
		return RoleBlack, nil
	default:
		return "", ErrSessionFull
	}
}
