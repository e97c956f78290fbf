package hsm

import "adwboard/internal/model"

var deletionTransitions = map[model.DeletionState]map[model.DeletionState]bool{
	model.DeletionStateRequested: {
		model.DeletionStateValidating: true,
	},
	model.DeletionStateValidating: {
		model.DeletionStatePortsReleasing: true,
		model.DeletionStateNotFound:       true,
		model.DeletionStateRejected:       true,
		model.DeletionStateFaulted:        true,
	},
	model.DeletionStatePortsReleasing: {
		model.DeletionStateWorktreeRemoving: true,
	},
	model.DeletionStateWorktreeRemoving: {
		model.DeletionStateStateDeleting: true,
	},
	model.DeletionStateStateDeleting: {
		model.DeletionStateCompleted:      true,
		model.DeletionStatePartialFailure: true,
	},
}

var terminalDeletionStates = map[model.DeletionState]bool{
	model.DeletionStateCompleted:      true,
	model.DeletionStatePartialFailure: true,
	model.DeletionStateNotFound:       true,
	model.DeletionStateRejected:       true,
	model.DeletionStateFaulted:        true,
}

func CanTransitionDeletion(from model.DeletionState, to model.DeletionState) bool {
	if from == to {
		return true
	}
	return deletionTransitions[from][to]
}

func IsTerminalDeletion(state model.DeletionState) bool {
	return terminalDeletionStates[state]
}

