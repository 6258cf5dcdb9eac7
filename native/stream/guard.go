package stream

var zeroAddress [20]byte

func requirePayer(s *Stream, caller [20]byte) error {
	if caller == zeroAddress || caller != s.Payer {
		return ErrUnauthorized
	}
	return nil
}

func requireParticipant(s *Stream, caller [20]byte) error {
	if caller == zeroAddress || (caller != s.Payer && caller != s.Payee) {
		return ErrUnauthorized
	}
	return nil
}

// requireAuthenticated admits any verified caller. The transport has already
// proven the caller controls the address.
func requireAuthenticated(caller [20]byte) error {
	if caller == zeroAddress {
		return ErrUnauthorized
	}
	return nil
}

// requireCollaborator checks caller against a configured collaborator. An
// unset collaborator rejects every caller.
func requireCollaborator(configured, caller [20]byte) error {
	if configured == zeroAddress || caller != configured {
		return ErrUnauthorized
	}
	return nil
}
