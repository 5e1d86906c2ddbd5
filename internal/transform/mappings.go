package transform

import "github.com/roach88/fieldsync/internal/mapping"

// CategoriesEntity is the raw entity whose payloads embed subcategory trees.
const CategoriesEntity = "pricebook_categories"

// DefaultMappings returns the raw-to-master projection of every synced
// entity. Fallback chains list the preferred field first.
func DefaultMappings() []mapping.Mapping {
	return []mapping.Mapping{
		mapping.ForEntity("customers",
			mapping.Text("st_id", "id"),
			mapping.Text("name", "name"),
			mapping.Text("customer_type", "type"),
			mapping.Text("email", "email", "contacts.0.value"),
			mapping.Text("phone", "phoneNumber", "phone", "contacts.1.value"),
			mapping.Text("street", "address.street"),
			mapping.Text("city", "address.city"),
			mapping.Text("state", "address.state"),
			mapping.Text("zip", "address.zip"),
			mapping.Real("balance", "balance").WithDefault(0.0),
			mapping.Bool("active", "active").WithDefault(true),
			mapping.Bool("do_not_mail", "doNotMail").WithDefault(false),
			mapping.Text("created_on", "createdOn"),
			mapping.Text("modified_on", "modifiedOn"),
		),
		mapping.ForEntity("jobs",
			mapping.Text("st_id", "id"),
			mapping.Text("job_number", "jobNumber", "number"),
			mapping.Text("customer_st_id", "customerId"),
			mapping.Text("location_st_id", "locationId"),
			mapping.Text("business_unit_st_id", "businessUnitId"),
			mapping.Text("job_type_st_id", "jobTypeId"),
			mapping.Text("job_type_name", "jobTypeName", "jobType.name"),
			mapping.Text("status", "jobStatus", "status"),
			mapping.Text("summary", "summary"),
			mapping.Real("total", "total").WithDefault(0.0),
			mapping.Text("created_on", "createdOn"),
			mapping.Text("completed_on", "completedOn"),
			mapping.Text("modified_on", "modifiedOn"),
		),
		mapping.ForEntity("invoices",
			mapping.Text("st_id", "id"),
			mapping.Text("invoice_number", "referenceNumber", "number"),
			mapping.Text("customer_st_id", "customer.id", "customerId"),
			mapping.Text("job_st_id", "job.id", "jobId"),
			mapping.Text("status", "status"),
			mapping.Real("total", "total").WithDefault(0.0),
			mapping.Real("balance", "balance").WithDefault(0.0),
			mapping.Text("invoice_date", "invoiceDate"),
			mapping.Text("due_date", "dueDate"),
			mapping.Text("modified_on", "modifiedOn"),
		),
		mapping.ForEntity("estimates",
			mapping.Text("st_id", "id"),
			mapping.Text("name", "name"),
			mapping.Text("job_st_id", "jobId"),
			mapping.Text("customer_st_id", "customerId"),
			mapping.Text("status", "status.name", "status"),
			mapping.Real("subtotal", "subtotal").WithDefault(0.0),
			mapping.Real("total", "total", "subtotal").WithDefault(0.0),
			mapping.Text("sold_on", "soldOn"),
			mapping.Text("modified_on", "modifiedOn"),
		),
		mapping.ForEntity(CategoriesEntity,
			mapping.Text("st_id", "id"),
			mapping.Text("name", "name"),
			mapping.Text("description", "description"),
			mapping.Text("category_type", "categoryType"),
			mapping.Integer("position", "position"),
			mapping.Bool("active", "active").WithDefault(true),
			mapping.Text("image_url", "image").Preserved(),
			mapping.Text("modified_on", "modifiedOn"),
		),
		mapping.ForEntity("pricebook_materials",
			mapping.Text("st_id", "id"),
			mapping.Text("code", "code"),
			mapping.Text("display_name", "displayName", "code"),
			mapping.Text("description", "description"),
			mapping.Real("cost", "cost").WithDefault(0.0),
			mapping.Real("price", "price").WithDefault(0.0),
			mapping.Real("member_price", "memberPrice", "price"),
			mapping.Bool("active", "active").WithDefault(true),
			mapping.Text("category_st_id", "categories.0"),
			mapping.Text("image_url", "assets.0.url").Preserved(),
			mapping.Text("modified_on", "modifiedOn"),
		),
		mapping.ForEntity("pricebook_services",
			mapping.Text("st_id", "id"),
			mapping.Text("code", "code"),
			mapping.Text("display_name", "displayName", "code"),
			mapping.Text("description", "description"),
			mapping.Real("price", "price").WithDefault(0.0),
			mapping.Real("member_price", "memberPrice", "price"),
			mapping.Real("hours", "durationHours", "hours"),
			mapping.Bool("active", "active").WithDefault(true),
			mapping.Text("category_st_id", "categories.0"),
			mapping.Text("image_url", "assets.0.url").Preserved(),
			mapping.Text("modified_on", "modifiedOn"),
		),
		mapping.ForEntity("pricebook_equipment",
			mapping.Text("st_id", "id"),
			mapping.Text("code", "code"),
			mapping.Text("display_name", "displayName", "code"),
			mapping.Text("description", "description"),
			mapping.Text("manufacturer", "manufacturer"),
			mapping.Text("model", "model"),
			mapping.Real("cost", "cost").WithDefault(0.0),
			mapping.Real("price", "price").WithDefault(0.0),
			mapping.Bool("active", "active").WithDefault(true),
			mapping.Text("category_st_id", "categories.0"),
			mapping.Text("image_url", "assets.0.url").Preserved(),
			mapping.Text("modified_on", "modifiedOn"),
		),
	}
}
