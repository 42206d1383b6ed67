// Package rbac maps staff roles to permissions and guards HTTP handlers.
package rbac

import "slices"

// Permission is a single capability, named resource:action.
type Permission string

const (
	OrderCreate Permission = "order:create"
	OrderView   Permission = "order:view"
	OrderUpdate Permission = "order:update"
	OrderRefund Permission = "order:refund"
	OrderCancel Permission = "order:cancel"

	MenuView   Permission = "menu:view"
	MenuCreate Permission = "menu:create"
	MenuUpdate Permission = "menu:update"
	MenuDelete Permission = "menu:delete"

	InventoryView    Permission = "inventory:view"
	InventoryManage  Permission = "inventory:manage"
	InventoryDeduct  Permission = "inventory:deduct"
	InventoryRestock Permission = "inventory:restock"

	CustomerView   Permission = "customer:view"
	CustomerManage Permission = "customer:manage"
	LoyaltyView    Permission = "loyalty:view"
	LoyaltyManage  Permission = "loyalty:manage"

	StaffView   Permission = "staff:view"
	StaffCreate Permission = "staff:create"
	StaffUpdate Permission = "staff:update"
	StaffDelete Permission = "staff:delete"

	ReportsView   Permission = "reports:view"
	ReportsExport Permission = "reports:export"
	AnalyticsView Permission = "analytics:view"

	// SettingsView allows reading cache statistics.
	SettingsView Permission = "settings:view"
	// SettingsManage allows invalidating cache entries.
	SettingsManage Permission = "settings:manage"

	TableView         Permission = "table:view"
	TableManage       Permission = "table:manage"
	ReservationView   Permission = "reservation:view"
	ReservationManage Permission = "reservation:manage"

	PaymentView    Permission = "payment:view"
	PaymentProcess Permission = "payment:process"
	PaymentRefund  Permission = "payment:refund"
)

// All lists every permission.
var All = []Permission{
	OrderCreate, OrderView, OrderUpdate, OrderRefund, OrderCancel,
	MenuView, MenuCreate, MenuUpdate, MenuDelete,
	InventoryView, InventoryManage, InventoryDeduct, InventoryRestock,
	CustomerView, CustomerManage, LoyaltyView, LoyaltyManage,
	StaffView, StaffCreate, StaffUpdate, StaffDelete,
	ReportsView, ReportsExport, AnalyticsView,
	SettingsView, SettingsManage,
	TableView, TableManage, ReservationView, ReservationManage,
	PaymentView, PaymentProcess, PaymentRefund,
}

// Role is a user's position in a restaurant.
type Role string

const (
	RoleCustomer     Role = "CUSTOMER"
	RoleWaiter       Role = "WAITER"
	RoleKitchenStaff Role = "KITCHEN_STAFF"
	RoleManager      Role = "MANAGER"
	RoleOwner        Role = "OWNER"
	RoleAdmin        Role = "ADMIN"
)

var rolePermissions = buildRolePermissions()

// Managers inherit waiter permissions and owners inherit manager
// permissions; admins hold everything.
func buildRolePermissions() map[Role][]Permission {
	waiter := []Permission{
		OrderCreate, OrderView, OrderUpdate,
		MenuView,
		TableView, TableManage,
		CustomerView,
		ReservationView, ReservationManage,
		PaymentView,
	}
	manager := append(slices.Clone(waiter),
		OrderRefund, OrderCancel,
		MenuCreate, MenuUpdate, MenuDelete,
		InventoryView, InventoryManage, InventoryDeduct, InventoryRestock,
		CustomerManage, LoyaltyManage,
		StaffView,
		ReportsView, ReportsExport, AnalyticsView,
		SettingsView,
		PaymentProcess, PaymentRefund,
	)
	owner := append(slices.Clone(manager),
		StaffCreate, StaffUpdate, StaffDelete,
		SettingsManage,
	)

	return map[Role][]Permission{
		RoleCustomer:     {OrderCreate, OrderView, MenuView, TableView, LoyaltyView},
		RoleWaiter:       waiter,
		RoleKitchenStaff: {OrderView, OrderUpdate, MenuView, InventoryView, InventoryDeduct},
		RoleManager:      manager,
		RoleOwner:        owner,
		RoleAdmin:        slices.Clone(All),
	}
}

// HasPermission reports whether role grants perm. Unknown roles grant
// nothing.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// HasAnyPermission reports whether role grants at least one of perms.
func HasAnyPermission(role Role, perms ...Permission) bool {
	for _, p := range perms {
		if HasPermission(role, p) {
			return true
		}
	}
	return false
}

// PermissionsFor returns a copy of the permissions role grants.
func PermissionsFor(role Role) []Permission {
	return slices.Clone(rolePermissions[role])
}
