package nn

// An evaluator backend (the package that knows how to load model
// checkpoints onto a device) registers its Factory from an init();
// binaries blank-import the backend they are built with. The engine only
// ever talks to the Evaluator interface.

var registeredFactory Factory

// RegisterFactory installs the checkpoint loader of the linked evaluator
// backend. The last registration wins.
func RegisterFactory(f Factory) {
	registeredFactory = f
}

// RegisteredFactory returns the linked backend's loader, or nil.
func RegisteredFactory() Factory {
	return registeredFactory
}
