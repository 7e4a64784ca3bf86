package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				id UUID PRIMARY KEY,
				owner VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				trigger JSONB NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT FALSE,
				activated_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflows_owner ON workflows(owner);
			CREATE INDEX idx_workflows_active ON workflows(is_active) WHERE deleted_at IS NULL;

			CREATE TABLE workflow_steps (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				step_order INT NOT NULL CHECK (step_order >= 1),
				action_type VARCHAR(32) NOT NULL CHECK (action_type IN ('send_email', 'wait', 'condition', 'set_status')),
				delay_days INT NOT NULL DEFAULT 0 CHECK (delay_days >= 0),
				config JSONB NOT NULL DEFAULT '{}',
				UNIQUE (workflow_id, step_order)
			);
		`,
		2: `
			CREATE TABLE leads (
				id VARCHAR(255) PRIMARY KEY,
				owner VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL DEFAULT '',
				email VARCHAR(320) NOT NULL DEFAULT '',
				company VARCHAR(255) NOT NULL DEFAULT '',
				contact_status VARCHAR(32) NOT NULL,
				last_contacted_at TIMESTAMP WITH TIME ZONE,
				emails_sent INT NOT NULL DEFAULT 0,
				last_opened_at TIMESTAMP WITH TIME ZONE,
				last_clicked_at TIMESTAMP WITH TIME ZONE,
				last_replied_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_leads_owner_status ON leads(owner, contact_status);

			CREATE TABLE senders (
				owner VARCHAR(255) PRIMARY KEY,
				from_address VARCHAR(320) NOT NULL,
				from_name VARCHAR(255) NOT NULL DEFAULT '',
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);
		`,
		3: `
			CREATE TABLE enrollments (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL REFERENCES workflows(id),
				lead_id VARCHAR(255) NOT NULL,
				owner VARCHAR(255) NOT NULL,
				current_step_order INT NOT NULL CHECK (current_step_order >= 1),
				next_action_at TIMESTAMP WITH TIME ZONE NOT NULL,
				status VARCHAR(16) NOT NULL CHECK (status IN ('active', 'completed', 'cancelled')),
				enrolled_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				cancelled_at TIMESTAMP WITH TIME ZONE,
				cancel_reason VARCHAR(64) NOT NULL DEFAULT '',
				attempts INT NOT NULL DEFAULT 0,
				retry_after TIMESTAMP WITH TIME ZONE,
				last_error TEXT NOT NULL DEFAULT '',
				lease_token VARCHAR(64),
				lease_expires_at TIMESTAMP WITH TIME ZONE,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			-- At most one active enrollment per (workflow, lead).
			CREATE UNIQUE INDEX idx_enrollments_active_pair ON enrollments(workflow_id, lead_id) WHERE status = 'active';
			CREATE INDEX idx_enrollments_due ON enrollments(next_action_at) WHERE status = 'active';
			CREATE INDEX idx_enrollments_lead ON enrollments(lead_id);

			CREATE TABLE email_sends (
				id UUID PRIMARY KEY,
				enrollment_id UUID NOT NULL REFERENCES enrollments(id),
				step_order INT NOT NULL,
				lead_id VARCHAR(255) NOT NULL,
				subject TEXT NOT NULL,
				body TEXT NOT NULL,
				sent_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (enrollment_id, step_order)
			);
		`,
		4: `
			ALTER TABLE email_sends ADD COLUMN contact_recorded BOOLEAN NOT NULL DEFAULT FALSE;

			-- Sends stored before the flag existed were already applied to their leads.
			UPDATE email_sends SET contact_recorded = TRUE;
		`,
	}
}
