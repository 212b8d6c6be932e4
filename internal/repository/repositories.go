package repository

// Repositories bundles the stores one storage driver provides
type Repositories struct {
	Cases          CaseRepository
	Attempts       RetryAttemptRepository
	Communications CommunicationRepository
	Plans          PlanConfigRepository
	Organizations  OrganizationRepository
	Outbox         OutboxRepository
}
